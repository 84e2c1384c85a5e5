package rtps

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type readResult struct {
	b   []byte
	src Locator
	err error
}

func readAsync(c PacketConn) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		buf := make([]byte, maxDatagramSize)
		n, src, err := c.ReadFrom(buf)
		ch <- readResult{buf[:n], src, err}
	}()
	return ch
}

func expectRead(t *testing.T, ch <-chan readResult, want []byte) readResult {
	t.Helper()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if !bytes.Equal(r.b, want) {
			t.Fatalf("got %q, want %q", r.b, want)
		}
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}
	return readResult{}
}

func TestMemoryUnicast(t *testing.T) {
	mn := NewMemoryNetwork()
	a, b := mn.NewTransport(), mn.NewTransport()
	defer a.Close()
	defer b.Close()

	ip, _ := b.LocalAddress()
	loc := NewUDPv4Locator(ip, 7411)
	c, err := b.Listen(loc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Listen(loc); !errors.Is(err, ErrAddressInUse) {
		t.Errorf("second listener: got %v, want address in use", err)
	}

	ch := readAsync(c)
	if err := a.Send(loc, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	r := expectRead(t, ch, []byte("ping"))
	aip, _ := a.LocalAddress()
	if !r.src.IP().Equal(aip) {
		t.Errorf("source %v, want %v", r.src, aip)
	}
}

func TestMemoryMulticast(t *testing.T) {
	mn := NewMemoryNetwork()
	group := NewUDPv4Locator(net.IPv4(239, 255, 0, 1), 7400)
	var chans []<-chan readResult
	for i := 0; i < 3; i++ {
		tr := mn.NewTransport()
		defer tr.Close()
		c, err := tr.Listen(group)
		if err != nil {
			t.Fatal(err)
		}
		chans = append(chans, readAsync(c))
	}
	sender := mn.NewTransport()
	defer sender.Close()
	if err := sender.Send(group, []byte("hello all")); err != nil {
		t.Fatal(err)
	}
	for _, ch := range chans {
		expectRead(t, ch, []byte("hello all"))
	}
}

func TestMemoryDrop(t *testing.T) {
	mn := NewMemoryNetwork()
	tr := mn.NewTransport()
	defer tr.Close()
	ip, _ := tr.LocalAddress()
	loc := NewUDPv4Locator(ip, 7411)
	c, err := tr.Listen(loc)
	if err != nil {
		t.Fatal(err)
	}
	mn.SetDrop(func(_, _ Locator, b []byte) bool { return b[0] == 'x' })
	ch := readAsync(c)
	tr.Send(loc, []byte("xdropped"))
	tr.Send(loc, []byte("kept"))
	expectRead(t, ch, []byte("kept"))
}

func TestMemoryClose(t *testing.T) {
	mn := NewMemoryNetwork()
	tr := mn.NewTransport()
	ip, _ := tr.LocalAddress()
	loc := NewUDPv4Locator(ip, 7411)
	c, err := tr.Listen(loc)
	if err != nil {
		t.Fatal(err)
	}
	ch := readAsync(c)
	tr.Close()

	select {
	case r := <-ch:
		if !errors.Is(r.err, ErrClosed) {
			t.Errorf("read after close: got %v", r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by close")
	}
	if err := tr.Send(loc, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: got %v", err)
	}
	if _, err := tr.Listen(loc); !errors.Is(err, ErrClosed) {
		t.Errorf("listen after close: got %v", err)
	}

	// the address is free again
	other := mn.NewTransport()
	defer other.Close()
	if _, err := other.Listen(loc); err != nil {
		t.Errorf("relisten: %v", err)
	}
}
