package rtps

import (
	"testing"
)

func TestUserID(t *testing.T) {
	cases := []struct {
		kind     uint8
		isReader bool
		isWriter bool
	}{
		{ENTITYID_KIND_READER_NO_KEY, true, false},
		{ENTITYID_KIND_READER_WITH_KEY, true, false},
		{ENTITYID_KIND_WRITER_NO_KEY, false, true},
		{ENTITYID_KIND_WRITER_WITH_KEY, false, true},
	}

	var ids entityAllocator
	seen := make(map[EntityID]bool)
	for i, c := range cases {
		id := ids.alloc(c.kind)
		if id.isReader() != c.isReader {
			t.Errorf("[%d] reader mismatch, got %v want %v", i, id.isReader(), c.isReader)
		}
		if id.isWriter() != c.isWriter {
			t.Errorf("[%d] writer mismatch, got %v want %v", i, id.isWriter(), c.isWriter)
		}
		if id.isBuiltin() {
			t.Errorf("[%d] builtin mismatch, user id should never be builtin", i)
		}
		if seen[id] {
			t.Errorf("[%d] id 0x%x handed out twice", i, uint32(id))
		}
		seen[id] = true
	}
}

func TestBuiltinIDs(t *testing.T) {
	cases := []struct {
		id       EntityID
		isWriter bool
	}{
		{ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER, true},
		{ENTITYID_SPDP_BUILTIN_PARTICIPANT_READER, false},
		{ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER, true},
		{ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER, false},
	}
	for i, c := range cases {
		if !c.id.isBuiltin() {
			t.Errorf("[%d] 0x%x should be builtin", i, uint32(c.id))
		}
		if c.id.isWriter() != c.isWriter || c.id.isReader() == c.isWriter {
			t.Errorf("[%d] 0x%x role mismatch", i, uint32(c.id))
		}
	}
}

func TestGUIDPrefixParse(t *testing.T) {
	gp := newGUIDPrefix()
	if gp.Unknown() {
		t.Fatal("fresh prefix is unknown")
	}
	if gp[0] != MY_RTPS_VENDOR_ID>>8 || gp[1] != MY_RTPS_VENDOR_ID&0xff {
		t.Errorf("prefix does not start with vendor id: %s", gp)
	}
	out, err := ParseGUIDPrefix(gp.String())
	if err != nil {
		t.Fatalf("ParseGUIDPrefix: %v", err)
	}
	if out != gp {
		t.Errorf("prefix mismatch. got %s, want %s", out, gp)
	}
	if _, err := ParseGUIDPrefix("abcd"); err == nil {
		t.Error("short prefix parsed")
	}
}

func TestGUIDKeyHash(t *testing.T) {
	g := GUID{Prefix: newGUIDPrefix(), EntityID: ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER}
	k := g.KeyHash()
	if out := guidFromBytes(k[:]); out != g {
		t.Errorf("guid mismatch. got %v, want %v", out, g)
	}
	// entity ids are big endian regardless of submessage byte order
	if k[13] != 0x00 || k[14] != 0x03 || k[15] != 0xc2 {
		t.Errorf("entity id bytes % x", k[12:])
	}
}
