package rtps

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// xorTransform scrambles user payloads with a one byte key.
type xorTransform struct {
	key    byte
	reject bool
}

func xorBytes(b []byte, key byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ key
	}
	return out
}

func (x xorTransform) apply(sm Submessage) Submessage {
	switch s := sm.(type) {
	case *Data:
		c := *s
		c.Payload = xorBytes(s.Payload, x.key)
		return &c
	case *DataFrag:
		c := *s
		c.Payload = xorBytes(s.Payload, x.key)
		return &c
	}
	return sm
}

func (x xorTransform) TransformOutgoing(_ GUIDPrefix, sm Submessage) (Submessage, error) {
	return x.apply(sm), nil
}

func (x xorTransform) TransformIncoming(_ GUIDPrefix, sm Submessage) (Submessage, error) {
	if x.reject {
		return nil, errors.Wrap(ErrAuthentication, "bad tag")
	}
	return x.apply(sm), nil
}

func TestProtectedSubmessages(t *testing.T) {
	cases := []struct {
		sm   Submessage
		want bool
	}{
		{&Data{WriterID: 0x102}, true},
		{&DataFrag{WriterID: 0x102}, true},
		{&Data{WriterID: ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER}, false},
		{&Data{WriterID: ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER}, false},
		{&Heartbeat{WriterID: 0x102}, false},
		{&AckNack{WriterID: 0x102}, false},
	}
	for i, tc := range cases {
		if got := protected(tc.sm); got != tc.want {
			t.Errorf("[%d] %T: got %v, want %v", i, tc.sm, got, tc.want)
		}
	}
}

func TestSecurityTransformRoundtrip(t *testing.T) {
	mn := NewMemoryNetwork()
	secret := []byte("attack at dawn")
	var leaked atomic.Bool
	mn.SetDrop(func(_, _ Locator, b []byte) bool {
		if bytes.Contains(b, secret) {
			leaked.Store(true)
		}
		return false
	})

	a := startPeer(t, mn, testConfig(), WithSecurity(xorTransform{key: 0x5a}))
	b := startPeer(t, mn, testConfig(), WithSecurity(xorTransform{key: 0x5a}))
	dw, dr := connect(t, a, b, reliableQos(KeepAll, 0), reliableQos(KeepAll, 0))

	if err := dw.Write(secret); err != nil {
		t.Fatal(err)
	}
	got := takeAll(t, dr, 1)
	if !bytes.Equal(got[0].Payload, secret) {
		t.Errorf("got %q", got[0].Payload)
	}
	if leaked.Load() {
		t.Error("plaintext payload seen on the wire")
	}
}

func TestSecurityRejects(t *testing.T) {
	mn := NewMemoryNetwork()
	a := startPeer(t, mn, testConfig())
	b := startPeer(t, mn, testConfig(), WithSecurity(xorTransform{reject: true}))
	dw, dr := connect(t, a, b, reliableQos(KeepAll, 0), reliableQos(KeepAll, 0))

	if err := dw.Write([]byte("forged")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "authentication failure", func() bool {
		return testutil.ToFloat64(b.Metrics().AuthFailures) > 0
	})
	time.Sleep(100 * time.Millisecond)
	if s, err := dr.Take(); err != nil || len(s) != 0 {
		t.Errorf("rejected sample delivered: %v %v", s, err)
	}
}
