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

import (
	"strconv"
	"strings"

	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
	"github.com/ulg-ingi/mailsrv/internal/metrics"
)

// handleLine dispatches one command line regardless of state; each command
// enforces its own valid-state set per the table in spec §4.6. It returns
// true when the connection should close.
func (s *session) handleLine(line string) bool {
	verb, rest := splitVerb(line)
	verbUpper := strings.ToUpper(verb)

	collector := s.eng.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	collector.CommandProcessed("pop3", verbUpper)

	switch verbUpper {
	case "USER":
		return s.cmdUser(rest)
	case "PASS":
		return s.cmdPass(rest)
	case "STAT":
		return s.cmdStat()
	case "LIST":
		return s.cmdList(rest)
	case "UIDL":
		return s.cmdUIDL(rest)
	case "RETR":
		return s.cmdRetr(rest)
	case "DELE":
		return s.cmdDele(rest)
	case "RSET":
		return s.cmdRset()
	case "NOOP":
		return s.writeLine("+OK") != nil
	case "QUIT":
		return s.cmdQuit()
	default:
		return s.writeLine("-ERR unknown command") != nil
	}
}

func (s *session) requireTransaction() bool {
	if s.state != stateTransaction {
		s.writeLine("-ERR command not valid in this state")
		return false
	}
	return true
}

// cmdUser remembers the candidate username (spec §4.6: "Remember name;
// +OK"). It is valid only before authentication.
func (s *session) cmdUser(rest string) bool {
	if s.state != stateAuthorization {
		return s.writeLine("-ERR command not valid in this state") != nil
	}
	user, _ := splitMailbox(strings.TrimSpace(rest))
	s.user = user
	return s.writeLine("+OK") != nil
}

// cmdPass authenticates against the remembered username, and on success
// loads the INBOX message list and transitions to TRANSACTION.
func (s *session) cmdPass(rest string) bool {
	if s.state != stateAuthorization {
		return s.writeLine("-ERR command not valid in this state") != nil
	}
	if s.user == "" {
		return s.writeLine("-ERR USER required first") != nil
	}
	if !s.eng.Config.Credentials.Authenticate(s.user, rest) {
		return s.writeLine("-ERR authentication failed") != nil
	}

	msgs, err := s.eng.Store.ListMessages(s.user, mailstore.Inbox)
	if err != nil {
		s.eng.Log.Error("failed to load mailbox", err, "user", s.user)
		return s.writeLine(mailerr.CodeOf(err).POP3Status()+" local error in processing") != nil
	}
	s.messages = make([]message, len(msgs))
	for i, m := range msgs {
		s.messages[i] = message{UID: m.UID, Size: m.Size}
	}
	s.state = stateTransaction
	return s.writeLine("+OK") != nil
}

func (s *session) cmdStat() bool {
	if !s.requireTransaction() {
		return false
	}
	return s.writeLine("+OK %d %d", s.nonDeletedCount(), s.totalSize()) != nil
}

// cmdList replies with a multi-line "<idx> <size>" listing ending in a bare
// dot, or with a single-line reply for a given n (spec §4.6).
func (s *session) cmdList(rest string) bool {
	if !s.requireTransaction() {
		return false
	}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return s.writeLine("-ERR invalid message number") != nil
		}
		idx, ok := s.resolveIndex(n)
		if !ok {
			return s.writeLine("-ERR no such message") != nil
		}
		return s.writeLine("+OK %d %d", n, s.messages[idx].Size) != nil
	}

	if err := s.writeLine("+OK %d messages", s.nonDeletedCount()); err != nil {
		return true
	}
	n := 0
	for _, m := range s.messages {
		if m.Deleted {
			continue
		}
		n++
		if err := s.writeLine("%d %d", n, m.Size); err != nil {
			return true
		}
	}
	return s.writeLine(".") != nil
}

// cmdUIDL is LIST's counterpart reporting the stable mailstore UID instead
// of size (spec §4.6).
func (s *session) cmdUIDL(rest string) bool {
	if !s.requireTransaction() {
		return false
	}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return s.writeLine("-ERR invalid message number") != nil
		}
		idx, ok := s.resolveIndex(n)
		if !ok {
			return s.writeLine("-ERR no such message") != nil
		}
		return s.writeLine("+OK %d %d", n, s.messages[idx].UID) != nil
	}

	if err := s.writeLine("+OK"); err != nil {
		return true
	}
	n := 0
	for _, m := range s.messages {
		if m.Deleted {
			continue
		}
		n++
		if err := s.writeLine("%d %d", n, m.UID); err != nil {
			return true
		}
	}
	return s.writeLine(".") != nil
}

// cmdRetr streams the message dot-stuffed, terminated by a bare dot (spec
// §4.6, §4.4 egress dot-stuffing is shared behavior across both protocols).
func (s *session) cmdRetr(rest string) bool {
	if !s.requireTransaction() {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return s.writeLine("-ERR invalid message number") != nil
	}
	idx, ok := s.resolveIndex(n)
	if !ok {
		return s.writeLine("-ERR no such message") != nil
	}

	_, body, err := s.eng.Store.GetMessageFile(s.user, mailstore.Inbox, s.messages[idx].UID)
	if err != nil {
		s.eng.Log.Error("retr failed", err, "user", s.user, "uid", s.messages[idx].UID)
		return s.writeLine(mailerr.CodeOf(err).POP3Status()+" local error in processing") != nil
	}

	if err := s.writeLine("+OK %d octets", len(body)); err != nil {
		return true
	}
	stuffed := dotStuff(body)
	if _, err := s.w.Write(stuffed); err != nil {
		return true
	}
	if !strings.HasSuffix(string(stuffed), "\r\n") {
		if _, err := s.w.Write([]byte("\r\n")); err != nil {
			return true
		}
	}
	return s.writeLine(".") != nil
}

// cmdDele marks the message \Deleted in the store; physical removal happens
// only at QUIT (spec §4.6).
func (s *session) cmdDele(rest string) bool {
	if !s.requireTransaction() {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return s.writeLine("-ERR invalid message number") != nil
	}
	idx, ok := s.resolveIndex(n)
	if !ok {
		return s.writeLine("-ERR no such message") != nil
	}

	if _, err := s.eng.Store.UpdateFlag(s.user, mailstore.Inbox, s.messages[idx].UID, mailstore.FlagDeleted, true); err != nil {
		s.eng.Log.Error("dele failed", err, "user", s.user, "uid", s.messages[idx].UID)
		return s.writeLine(mailerr.CodeOf(err).POP3Status()+" local error in processing") != nil
	}
	s.messages[idx].Deleted = true
	return s.writeLine("+OK message %d deleted", n) != nil
}

// cmdRset clears every \Deleted mark made this session (spec §4.6).
func (s *session) cmdRset() bool {
	if !s.requireTransaction() {
		return false
	}
	for i, m := range s.messages {
		if !m.Deleted {
			continue
		}
		if _, err := s.eng.Store.UpdateFlag(s.user, mailstore.Inbox, m.UID, mailstore.FlagDeleted, false); err != nil {
			s.eng.Log.Error("rset failed", err, "user", s.user, "uid", m.UID)
			return s.writeLine(mailerr.CodeOf(err).POP3Status()+" local error in processing") != nil
		}
		s.messages[i].Deleted = false
	}
	return s.writeLine("+OK") != nil
}

// cmdQuit enters UPDATE and physically deletes every \Deleted message
// (spec §4.6: "Enter UPDATE: physically delete every \Deleted message").
func (s *session) cmdQuit() bool {
	if s.state == stateTransaction {
		s.state = stateUpdate
		for _, m := range s.messages {
			if !m.Deleted {
				continue
			}
			if err := s.eng.Store.DeleteMessageFile(s.user, mailstore.Inbox, m.UID); err != nil {
				s.eng.Log.Error("quit: failed to expunge message", err, "user", s.user, "uid", m.UID)
			}
		}
	}
	s.writeLine("+OK Bye")
	return true
}

// splitVerb separates the leading command verb from the remainder of line.
func splitVerb(line string) (verb, rest string) {
	line = strings.TrimSpace(line)
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

// splitMailbox splits "user@domain" the way USER accepts either a bare
// local name or a full address; only the local part is meaningful here
// since this server serves exactly one domain.
func splitMailbox(addr string) (user, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
