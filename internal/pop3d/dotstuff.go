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

package pop3d

import "bytes"

// dotStuff doubles every line beginning with '.' before transport, RETR's
// half of the shared dot-stuffing rule (spec §4.4, §4.6).
func dotStuff(body []byte) []byte {
	lines := bytes.Split(body, []byte("\r\n"))
	out := make([][]byte, len(lines))
	for i, l := range lines {
		if bytes.HasPrefix(l, []byte(".")) {
			out[i] = append([]byte("."), l...)
		} else {
			out[i] = l
		}
	}
	return bytes.Join(out, []byte("\r\n"))
}
