/*
Mailsrv - Multi-protocol mail server (SMTP/IMAP/POP3) for a single administrative domain.
Copyright © 2026 Mailsrv contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dnsresolver implements the raw-UDP DNS client (C4): building and
// parsing RFC 1035 messages by hand over a UDP socket, with no third-party
// or standard-library DNS resolution involved (spec §4.3 forbids one).
package dnsresolver

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	typeA  uint16 = 1
	typeMX uint16 = 15

	classIN uint16 = 1

	// maxUDPResponse is the maximum receive buffer; no EDNS0, no TCP
	// fallback for oversize responses (spec §1 Non-goals).
	maxUDPResponse = 512
)

var errTruncatedPacket = errors.New("dns: packet too short")

// buildQuery encodes a single-question query for qname/qtype and returns
// the wire bytes along with the transaction ID it used.
func buildQuery(qname string, qtype uint16) (msg []byte, id uint16, err error) {
	id = randomID()

	header := make([]byte, 12)
	binary.BigEndian.PutUint16(header[0:2], id)
	binary.BigEndian.PutUint16(header[2:4], 0x0100) // standard query, recursion desired
	binary.BigEndian.PutUint16(header[4:6], 1)       // QDCOUNT
	// ANCOUNT, NSCOUNT, ARCOUNT all zero.

	question := encodeName(qname)
	qtypeBuf := make([]byte, 4)
	binary.BigEndian.PutUint16(qtypeBuf[0:2], qtype)
	binary.BigEndian.PutUint16(qtypeBuf[2:4], classIN)

	out := make([]byte, 0, len(header)+len(question)+len(qtypeBuf))
	out = append(out, header...)
	out = append(out, question...)
	out = append(out, qtypeBuf...)
	return out, id, nil
}

// resourceRecord is one parsed answer-section entry.
type resourceRecord struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	RData []byte
	// RDataOffset is RDATA's absolute position in the packet, needed to
	// resolve a compressed name living inside RDATA (e.g. an MX exchange).
	RDataOffset int
}

// parsedResponse is the decoded form of a DNS response datagram. raw is
// kept around because RDATA may contain a compression pointer (e.g. an MX
// exchange name) that can only be resolved against the full packet.
type parsedResponse struct {
	ID      uint16
	ANCount int
	Answers []resourceRecord
	raw     []byte
}

// parseResponse decodes header, skips the echoed question section (honoring
// compression), and decodes every answer RR, leaving RDATA uninterpreted
// (callers pick it apart per RR type).
func parseResponse(packet []byte) (*parsedResponse, error) {
	if len(packet) < 12 {
		return nil, errTruncatedPacket
	}

	id := binary.BigEndian.Uint16(packet[0:2])
	qdCount := int(binary.BigEndian.Uint16(packet[4:6]))
	anCount := int(binary.BigEndian.Uint16(packet[6:8]))

	pos := 12
	for i := 0; i < qdCount; i++ {
		if _, err := readName(packet, &pos); err != nil {
			return nil, err
		}
		pos += 4 // QTYPE + QCLASS
		if pos > len(packet) {
			return nil, errTruncatedPacket
		}
	}

	answers := make([]resourceRecord, 0, anCount)
	for i := 0; i < anCount; i++ {
		name, err := readName(packet, &pos)
		if err != nil {
			return nil, err
		}
		if pos+10 > len(packet) {
			return nil, errTruncatedPacket
		}
		rrType := binary.BigEndian.Uint16(packet[pos : pos+2])
		rrClass := binary.BigEndian.Uint16(packet[pos+2 : pos+4])
		ttl := binary.BigEndian.Uint32(packet[pos+4 : pos+8])
		rdlength := int(binary.BigEndian.Uint16(packet[pos+8 : pos+10]))
		pos += 10

		if pos+rdlength > len(packet) {
			return nil, errTruncatedPacket
		}
		rdata := packet[pos : pos+rdlength]
		answers = append(answers, resourceRecord{
			Name:        name,
			Type:        rrType,
			Class:       rrClass,
			TTL:         ttl,
			RData:       rdata,
			RDataOffset: pos,
		})
		pos += rdlength
	}

	return &parsedResponse{ID: id, ANCount: anCount, Answers: answers, raw: packet}, nil
}

// mxRecord is a decoded MX RDATA: preference + exchange host.
type mxRecord struct {
	Preference uint16
	Exchange   string
}

// decodeMX parses RR.RData as an MX record; the exchange name may itself
// use compression pointing elsewhere in the full packet, hence the need
// for the full packet plus the RR's absolute RDATA offset.
func decodeMX(packet []byte, rr resourceRecord) (mxRecord, error) {
	if len(rr.RData) < 2 {
		return mxRecord{}, fmt.Errorf("dns: MX record too short")
	}
	pref := binary.BigEndian.Uint16(rr.RData[0:2])
	namePos := rr.RDataOffset + 2
	exchange, err := readName(packet, &namePos)
	if err != nil {
		return mxRecord{}, err
	}
	return mxRecord{Preference: pref, Exchange: exchange}, nil
}

// decodeA parses RR.RData as an A record, rendering the dotted-quad form.
func decodeA(rr resourceRecord) (string, error) {
	if len(rr.RData) != 4 {
		return "", fmt.Errorf("dns: A record has unexpected length %d", len(rr.RData))
	}
	return fmt.Sprintf("%d.%d.%d.%d", rr.RData[0], rr.RData[1], rr.RData[2], rr.RData[3]), nil
}
