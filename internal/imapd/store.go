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
	"strconv"
	"strings"

	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
)

// cmdUIDStore implements UID STORE (spec §4.5 "UID STORE").
func (s *session) cmdUIDStore(tag string, args []string) bool {
	if len(args) < 3 {
		return s.writeLine(tag, "BAD", "UID STORE requires a range, mode and flag list") != nil
	}
	uids, err := s.parseUIDSet(args[0])
	if err != nil {
		return s.writeLine(tag, "BAD", "invalid UID set") != nil
	}

	modeTok := strings.ToUpper(args[1])
	silent := strings.HasSuffix(modeTok, ".SILENT")
	mode := strings.TrimSuffix(modeTok, ".SILENT")

	var flagsTok string
	if isListToken(args[2]) {
		flagsTok = args[2]
	} else {
		flagsTok = "(" + args[2] + ")"
	}
	flags := splitParenList(flagsTok)

	byUID := make(map[int]cachedMessage, len(s.cache))
	for _, m := range s.cache {
		byUID[m.UID] = m
	}

	for _, uid := range uids {
		cur, err := s.eng.Store.GetFlags(s.user, s.mailbox, uid)
		if err != nil {
			s.eng.Log.Error("store failed", err, "user", s.user, "uid", uid)
			continue
		}
		if cur == nil {
			cur = map[string]bool{}
		}

		switch mode {
		case "+FLAGS":
			for _, f := range flags {
				cur[f] = true
			}
		case "-FLAGS":
			for _, f := range flags {
				delete(cur, f)
			}
		case "FLAGS":
			cur = make(map[string]bool, len(flags))
			for _, f := range flags {
				cur[f] = true
			}
		default:
			return s.writeLine(tag, "BAD", "unrecognized STORE mode") != nil
		}

		if err := s.eng.Store.SetFlags(s.user, s.mailbox, uid, cur); err != nil {
			s.eng.Log.Error("store failed", err, "user", s.user, "uid", uid)
			continue
		}
		if m, ok := byUID[uid]; ok {
			m.Flags = cur
			byUID[uid] = m
		}

		if !silent {
			msn := s.msnOf(uid)
			if msn > 0 {
				if err := s.writeUntagged("%d FETCH (UID %d FLAGS (%s))", msn, uid, flagList(cur)); err != nil {
					return true
				}
			}
		}
	}

	for i, m := range s.cache {
		if updated, ok := byUID[m.UID]; ok {
			s.cache[i] = updated
		}
	}
	return s.writeLine(tag, "OK", "UID STORE completed") != nil
}

// msnOf returns the 1-based MSN of uid in the current cache, or 0 if absent.
func (s *session) msnOf(uid int) int {
	for i, m := range s.cache {
		if m.UID == uid {
			return i + 1
		}
	}
	return 0
}

// cmdUIDCopy implements UID COPY (spec §4.5 "UID COPY").
func (s *session) cmdUIDCopy(tag string, args []string) bool {
	if len(args) < 2 {
		return s.writeLine(tag, "BAD", "UID COPY requires a range and a destination") != nil
	}
	uids, err := s.parseUIDSet(args[0])
	if err != nil {
		return s.writeLine(tag, "BAD", "invalid UID set") != nil
	}
	dest := args[1]
	if !strings.EqualFold(dest, mailstore.Inbox) {
		exists, err := s.eng.Store.FolderExists(s.user, dest)
		if err != nil {
			return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "local error in processing") != nil
		}
		if !exists {
			return s.writeLine(tag, "NO", "[TRYCREATE] destination mailbox does not exist") != nil
		}
	} else {
		dest = mailstore.Inbox
	}

	var srcParts, dstParts []string
	for _, uid := range uids {
		newUID, err := s.eng.Store.CopyMessage(s.user, s.mailbox, uid, dest)
		if err != nil {
			s.eng.Log.Error("copy failed", err, "user", s.user, "uid", uid, "dest", dest)
			return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "COPY failed") != nil
		}
		srcParts = append(srcParts, strconv.Itoa(uid))
		dstParts = append(dstParts, strconv.Itoa(newUID))
	}

	return s.writeLine(tag, "OK", "[COPYUID 1 "+strings.Join(srcParts, ",")+" "+strings.Join(dstParts, ",")+"] COPY completed") != nil
}

// cmdExpunge implements EXPUNGE and CLOSE (spec §4.5 "EXPUNGE / CLOSE").
// CLOSE performs the same removal silently and always terminates the
// session; EXPUNGE emits "* <counter> EXPUNGE" per removal and stays
// SELECTED.
func (s *session) cmdExpunge(tag string, silent bool) bool {
	if s.state != stateSelected {
		return s.writeLine(tag, "BAD", "EXPUNGE requires a selected mailbox") != nil
	}

	// live counts surviving messages walked so far; a removed message's
	// reported number is live+1, its position in the renumbered mailbox
	// at the instant of removal (spec §8 scenario S4).
	live := 0
	failed := 0
	kept := s.cache[:0:0]
	for _, m := range s.cache {
		if !m.Flags[mailstore.FlagDeleted] {
			live++
			kept = append(kept, m)
			continue
		}
		if err := s.eng.Store.DeleteMessageFile(s.user, s.mailbox, m.UID); err != nil {
			s.eng.Log.Error("expunge failed", err, "user", s.user, "uid", m.UID)
			failed++
			live++
			kept = append(kept, m)
			continue
		}
		if !silent {
			if err := s.writeUntagged("%d EXPUNGE", live+1); err != nil {
				return true
			}
		}
	}
	s.cache = kept

	if silent {
		s.state = stateAuthenticated
		s.mailbox = ""
		s.cache = nil
		return true
	}
	if failed > 0 {
		return s.writeLine(tag, "NO", "EXPUNGE incomplete: "+strconv.Itoa(failed)+" message(s) could not be removed") != nil
	}
	return s.writeLine(tag, "OK", "EXPUNGE completed") != nil
}
