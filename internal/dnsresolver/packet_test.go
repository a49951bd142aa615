package dnsresolver

import (
	"encoding/binary"
	"testing"
)

func TestBuildQuery_HeaderFields(t *testing.T) {
	msg, id, err := buildQuery("example.test", typeMX)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg) < 12 {
		t.Fatalf("message too short: %d bytes", len(msg))
	}
	if binary.BigEndian.Uint16(msg[0:2]) != id {
		t.Fatal("header ID does not match returned transaction id")
	}
	if qd := binary.BigEndian.Uint16(msg[4:6]); qd != 1 {
		t.Fatalf("QDCOUNT = %d, want 1", qd)
	}
	if an := binary.BigEndian.Uint16(msg[6:8]); an != 0 {
		t.Fatalf("ANCOUNT = %d, want 0 for a query", an)
	}
}

// buildAnswerPacket constructs a minimal synthetic response packet by hand,
// independent of buildQuery/parseResponse, so the two sides of the wire
// format are tested against each other rather than against themselves.
func buildAnswerPacket(t *testing.T, id uint16, qname string, rrType uint16, rdata []byte) []byte {
	t.Helper()
	header := make([]byte, 12)
	binary.BigEndian.PutUint16(header[0:2], id)
	binary.BigEndian.PutUint16(header[4:6], 1) // QDCOUNT
	binary.BigEndian.PutUint16(header[6:8], 1) // ANCOUNT

	packet := append([]byte{}, header...)
	packet = append(packet, encodeName(qname)...)
	qtypeClass := make([]byte, 4)
	binary.BigEndian.PutUint16(qtypeClass[0:2], rrType)
	binary.BigEndian.PutUint16(qtypeClass[2:4], classIN)
	packet = append(packet, qtypeClass...)

	packet = append(packet, encodeName(qname)...)
	rr := make([]byte, 10)
	binary.BigEndian.PutUint16(rr[0:2], rrType)
	binary.BigEndian.PutUint16(rr[2:4], classIN)
	binary.BigEndian.PutUint32(rr[4:8], 300)
	binary.BigEndian.PutUint16(rr[8:10], uint16(len(rdata)))
	packet = append(packet, rr...)
	packet = append(packet, rdata...)
	return packet
}

func TestParseResponse_ARecord(t *testing.T) {
	packet := buildAnswerPacket(t, 0x1234, "host.test", typeA, []byte{192, 0, 2, 9})
	resp, err := parseResponse(packet)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 0x1234 {
		t.Fatalf("ID = %x, want %x", resp.ID, 0x1234)
	}
	if len(resp.Answers) != 1 {
		t.Fatalf("got %d answers, want 1", len(resp.Answers))
	}
	addr, err := decodeA(resp.Answers[0])
	if err != nil {
		t.Fatal(err)
	}
	if addr != "192.0.2.9" {
		t.Fatalf("decodeA = %q, want %q", addr, "192.0.2.9")
	}
}

func TestParseResponse_MXRecordWithCompressedExchange(t *testing.T) {
	// RDATA = PREFERENCE(2) + a name that is itself a pointer back into the
	// question section, the way a real server would compress it.
	rdata := []byte{0x00, 0x0A, 0xC0, 0x0C} // preference 10, pointer to offset 12
	packet := buildAnswerPacket(t, 0x5678, "mail.test", typeMX, rdata)

	resp, err := parseResponse(packet)
	if err != nil {
		t.Fatal(err)
	}
	mx, err := decodeMX(resp.raw, resp.Answers[0])
	if err != nil {
		t.Fatal(err)
	}
	if mx.Preference != 10 {
		t.Fatalf("preference = %d, want 10", mx.Preference)
	}
	if mx.Exchange != "mail.test" {
		t.Fatalf("exchange = %q, want %q", mx.Exchange, "mail.test")
	}
}

func TestParseResponse_TruncatedPacketErrors(t *testing.T) {
	if _, err := parseResponse([]byte{0x00, 0x01}); err == nil {
		t.Fatal("expected an error for a packet shorter than the header, got nil")
	}
}
