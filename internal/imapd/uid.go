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

package imapd

import (
	"strings"

	"github.com/emersion/go-imap"
)

// cmdUID dispatches the three UID-prefixed subcommands this server
// supports (spec §4.5: "UID FETCH/STORE/COPY | SELECTED").
func (s *session) cmdUID(tag string, args []string) bool {
	if s.state != stateSelected {
		return s.writeLine(tag, "BAD", "UID commands require a selected mailbox") != nil
	}
	if len(args) < 2 {
		return s.writeLine(tag, "BAD", "UID requires a subcommand") != nil
	}
	sub := strings.ToUpper(args[0])
	rest := args[1:]
	switch sub {
	case "FETCH":
		return s.cmdUIDFetch(tag, rest)
	case "STORE":
		return s.cmdUIDStore(tag, rest)
	case "COPY":
		return s.cmdUIDCopy(tag, rest)
	default:
		return s.writeLine(tag, "BAD", "unrecognized UID subcommand") != nil
	}
}

// parseUIDSet parses a UID range expression ("a", "a,b,c", "a:b", "a:*")
// using emersion/go-imap's SeqSet as the range primitive, then resolves it
// against the cached list in ascending-UID order (spec §4.5 UID FETCH:
// "'*' maps to the maximum present UID").
func (s *session) parseUIDSet(raw string) ([]int, error) {
	set, err := imap.ParseSeqSet(raw)
	if err != nil {
		return nil, err
	}
	maxUID := 0
	for _, m := range s.cache {
		if m.UID > maxUID {
			maxUID = m.UID
		}
	}
	// SeqSet.Contains(0) reports whether the set names "*" (alone or as
	// "n:*"); that always selects the highest UID present.
	wantMax := set.Contains(0)
	var uids []int
	for _, m := range s.cache {
		if set.Contains(uint32(m.UID)) || (wantMax && m.UID == maxUID) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}
