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

package dnsresolver

import (
	"errors"
	"fmt"
	"strings"
)

// maxPointerDepth bounds how many compression pointers readName will chase
// before giving up, so a packet with a pointer cycle can't spin forever
// (spec §4.3: "cap pointer chain depth (≤ 10)").
const maxPointerDepth = 10

var errMalformedName = errors.New("dns: malformed name in packet")

// encodeName renders a domain name as length-prefixed labels terminated by
// a zero-length label, e.g. "mail.example.com." -> 4mail7example3com0.
func encodeName(name string) []byte {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return []byte{0}
	}
	labels := strings.Split(name, ".")
	var out []byte
	for _, l := range labels {
		if len(l) > 63 {
			l = l[:63]
		}
		out = append(out, byte(len(l)))
		out = append(out, l...)
	}
	out = append(out, 0)
	return out
}

// readName decodes a (possibly compressed) name starting at *pos within
// packet, returning the dotted name. *pos is advanced past whatever this
// name occupies in the packet at the point it was invoked: past the
// 2-byte pointer if the name is (or ends in) a pointer, or past the
// inline labels and their terminating zero byte otherwise. This is the
// "cursor passed by mutable reference" design noted in spec §9: the
// caller's cursor must only ever move past what it actually read at that
// position, never all the way to the end of a name reached via a
// pointer jump elsewhere in the packet.
func readName(packet []byte, pos *int) (string, error) {
	var labels []string
	cursor := *pos
	endCursor := -1 // where *pos should land once we're done; -1 = not yet fixed
	depth := 0

	for {
		if cursor >= len(packet) {
			return "", errMalformedName
		}
		b := packet[cursor]

		if b&0xC0 == 0xC0 {
			// Compression pointer: top two bits set, low 14 bits are the
			// absolute offset to jump to.
			if cursor+1 >= len(packet) {
				return "", errMalformedName
			}
			if endCursor < 0 {
				endCursor = cursor + 2
			}
			depth++
			if depth > maxPointerDepth {
				return "", fmt.Errorf("dns: compression pointer chain exceeds %d hops", maxPointerDepth)
			}
			offset := int(uint16(b&0x3F)<<8 | uint16(packet[cursor+1]))
			if offset >= len(packet) {
				return "", errMalformedName
			}
			cursor = offset
			continue
		}

		if b == 0 {
			if endCursor < 0 {
				endCursor = cursor + 1
			}
			break
		}

		// Ordinary label.
		labelLen := int(b)
		start := cursor + 1
		end := start + labelLen
		if end > len(packet) {
			return "", errMalformedName
		}
		labels = append(labels, string(packet[start:end]))
		cursor = end
	}

	*pos = endCursor
	return strings.Join(labels, "."), nil
}
