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

package smtpd

import (
	"strings"

	"github.com/ulg-ingi/mailsrv/internal/metrics"
)

// handleCommandLine dispatches one COMMAND-state line. It returns true when
// the connection should be closed (QUIT, or a fatal write failure).
func (s *session) handleCommandLine(line string) bool {
	verb, rest := splitVerb(line)
	verbUpper := strings.ToUpper(verb)

	collector := s.eng.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	collector.CommandProcessed("smtp", verbUpper)

	switch verbUpper {
	case "HELO", "EHLO":
		return s.writeLine("250 %s", s.eng.Config.Domain) != nil
	case "MAIL":
		addr, ok := parseMailFrom(rest)
		if !ok {
			return s.writeLine("500 Unrecognized command") != nil
		}
		s.tx.sender = addr
		return s.writeLine("250 OK") != nil
	case "RCPT":
		addr, ok := parseRcptTo(rest)
		if !ok {
			return s.writeLine("500 Unrecognized command") != nil
		}
		s.tx.recipients = append(s.tx.recipients, addr)
		return s.writeLine("250 OK") != nil
	case "DATA":
		s.tx.body = nil
		s.state = stateData
		return s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>") != nil
	case "RSET":
		s.tx.reset()
		return s.writeLine("250 OK") != nil
	case "NOOP":
		return s.writeLine("250 OK") != nil
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		return s.writeLine("500 Unrecognized command") != nil
	}
}

// handleDataLine appends one line of message body while in the DATA state,
// applying dot-unstuffing per §4.4, and triggers delivery on the lone-dot
// terminator. It returns true when the connection should close.
func (s *session) handleDataLine(line string) bool {
	if line == "." {
		s.state = stateCommand
		fatal := s.processEmail()
		s.tx.reset()
		return fatal
	}

	// Dot-unstuffing: a line beginning with '.' that isn't the bare
	// terminator has its leading dot stripped (spec §4.4, recommended in §9).
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	s.tx.body = append(s.tx.body, []byte(line)...)
	s.tx.body = append(s.tx.body, '\r', '\n')
	return false
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

// parseMailFrom extracts the address from "FROM:<addr>" (spec §4.4: "pulls
// the substring after the first ':' and strips <> plus surrounding
// whitespace").
func parseMailFrom(rest string) (string, bool) {
	return extractAddress(rest, "FROM")
}

func parseRcptTo(rest string) (string, bool) {
	return extractAddress(rest, "TO")
}

func extractAddress(rest, wantPrefix string) (string, bool) {
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return "", false
	}
	prefix := strings.ToUpper(strings.TrimSpace(rest[:i]))
	if prefix != wantPrefix {
		return "", false
	}
	addr := strings.TrimSpace(rest[i+1:])
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", false
	}
	return addr, true
}
