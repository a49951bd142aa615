package dnsresolver

import "testing"

func TestEncodeName_LengthPrefixedLabels(t *testing.T) {
	got := encodeName("mail.example.com.")
	want := []byte{4, 'm', 'a', 'i', 'l', 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0}
	if string(got) != string(want) {
		t.Fatalf("encodeName = %v, want %v", got, want)
	}
}

func TestEncodeName_TrailingDotOptional(t *testing.T) {
	a := encodeName("example.com.")
	b := encodeName("example.com")
	if string(a) != string(b) {
		t.Fatalf("encodeName with/without trailing dot differ: %v != %v", a, b)
	}
}

func TestReadName_PlainLabels(t *testing.T) {
	packet := append(encodeName("foo.test"), 0xAA) // trailing byte shouldn't be touched
	pos := 0
	name, err := readName(packet, &pos)
	if err != nil {
		t.Fatal(err)
	}
	if name != "foo.test" {
		t.Fatalf("name = %q, want %q", name, "foo.test")
	}
	if pos != len(packet)-1 {
		t.Fatalf("pos = %d, want %d (just past the terminating zero label)", pos, len(packet)-1)
	}
}

func TestReadName_CompressionPointer(t *testing.T) {
	// Build a packet where the real name "foo.test" lives at offset 12, and
	// a second name elsewhere is just a 2-byte pointer back to it.
	packet := make([]byte, 12)
	nameOffset := len(packet)
	packet = append(packet, encodeName("foo.test")...)
	pointerOffset := len(packet)
	packet = append(packet, byte(0xC0|(nameOffset>>8)), byte(nameOffset&0xFF))

	pos := pointerOffset
	name, err := readName(packet, &pos)
	if err != nil {
		t.Fatal(err)
	}
	if name != "foo.test" {
		t.Fatalf("name via pointer = %q, want %q", name, "foo.test")
	}
	// The cursor must land just past the 2-byte pointer at the call site,
	// not at the end of "foo.test" wherever that happens to live.
	if pos != pointerOffset+2 {
		t.Fatalf("pos after following pointer = %d, want %d", pos, pointerOffset+2)
	}
}

func TestReadName_PointerChainTooDeepErrors(t *testing.T) {
	// A chain of pointers each pointing at the next, one too many hops.
	packet := make([]byte, 2*(maxPointerDepth+2))
	for i := 0; i < maxPointerDepth+1; i++ {
		next := 2 * (i + 1)
		packet[2*i] = byte(0xC0 | (next >> 8))
		packet[2*i+1] = byte(next & 0xFF)
	}
	pos := 0
	if _, err := readName(packet, &pos); err == nil {
		t.Fatal("expected an error for a pointer chain exceeding the depth cap, got nil")
	}
}

func TestReadName_TruncatedLabelErrors(t *testing.T) {
	packet := []byte{5, 'a', 'b'} // claims a 5-byte label but only 2 bytes follow
	pos := 0
	if _, err := readName(packet, &pos); err == nil {
		t.Fatal("expected an error for a truncated label, got nil")
	}
}
