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
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ulg-ingi/mailsrv/internal/mailerr"
)

const relayDialTimeout = 30 * time.Second

// relay acts as an SMTP client against addr:25, running the fixed dialog
// from spec §4.4 ("Outbound dialog"): it gives up and returns an error the
// moment any expected reply code is missing.
func relay(addr, ourDomain, sender, rcpt string, body []byte) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, "25"), relayDialTimeout)
	if err != nil {
		return mailerr.New(mailerr.FatalIO, "dial remote mx", err, "addr", addr)
	}
	defer conn.Close()

	c := &relayConn{
		r: bufio.NewReader(conn),
		w: bufio.NewWriter(conn),
	}

	if err := c.expect(220); err != nil {
		return err
	}

	if err := c.send("EHLO %s", ourDomain); err != nil {
		return err
	}
	if err := c.expect(250); err != nil {
		// Fall back to HELO on a non-250 EHLO reply (spec §4.4).
		if err := c.send("HELO %s", ourDomain); err != nil {
			return err
		}
		if err := c.expect(250); err != nil {
			return err
		}
	}

	if err := c.send("MAIL FROM:<%s>", sender); err != nil {
		return err
	}
	if err := c.expect(250); err != nil {
		return err
	}

	if err := c.send("RCPT TO:<%s>", rcpt); err != nil {
		return err
	}
	if err := c.expectAny(250, 251); err != nil {
		return err
	}

	if err := c.send("DATA"); err != nil {
		return err
	}
	if err := c.expect(354); err != nil {
		return err
	}

	if err := c.sendBody(body, sender, rcpt); err != nil {
		return err
	}
	if err := c.expect(250); err != nil {
		return err
	}

	_ = c.send("QUIT")
	return nil
}

// relayConn is the minimal line-oriented client half of the SMTP dialog.
type relayConn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func (c *relayConn) send(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(c.w, format+"\r\n", args...); err != nil {
		return mailerr.New(mailerr.FatalIO, "write to remote mx", err)
	}
	return c.w.Flush()
}

// readReply reads a (possibly multi-line, "250-"-continued) SMTP reply and
// returns its numeric code.
func (c *relayConn) readReply() (int, string, error) {
	var lastLine string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return 0, "", mailerr.New(mailerr.FatalIO, "read from remote mx", err)
		}
		line = strings.TrimRight(line, "\r\n")
		lastLine = line
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}
	if len(lastLine) < 3 {
		return 0, lastLine, mailerr.New(mailerr.FatalIO, "malformed remote mx reply", nil, "line", lastLine)
	}
	code, err := strconv.Atoi(lastLine[:3])
	if err != nil {
		return 0, lastLine, mailerr.New(mailerr.FatalIO, "malformed remote mx reply code", err, "line", lastLine)
	}
	return code, lastLine, nil
}

func (c *relayConn) expect(want int) error {
	return c.expectAny(want)
}

func (c *relayConn) expectAny(want ...int) error {
	code, line, err := c.readReply()
	if err != nil {
		return err
	}
	for _, w := range want {
		if code == w {
			return nil
		}
	}
	return mailerr.New(mailerr.FatalIO, "unexpected remote mx reply", nil, "code", code, "line", line, "want", want)
}

// sendBody ensures From:/To: headers are present, dot-stuffs the body, and
// terminates with the bare-dot sequence (spec §4.4 "Outbound dialog").
func (c *relayConn) sendBody(body []byte, sender, rcpt string) error {
	if !hasHeader(body, "From:") {
		body = append([]byte("From: <"+sender+">\r\n"), body...)
	}
	if !hasHeader(body, "To:") {
		body = append([]byte("To: <"+rcpt+">\r\n"), body...)
	}

	stuffed := dotStuff(body)
	if _, err := c.w.Write(stuffed); err != nil {
		return mailerr.New(mailerr.FatalIO, "write message body", err)
	}
	if !bytes.HasSuffix(stuffed, []byte("\r\n")) {
		if _, err := c.w.WriteString("\r\n"); err != nil {
			return mailerr.New(mailerr.FatalIO, "write message body", err)
		}
	}
	if _, err := c.w.WriteString(".\r\n"); err != nil {
		return mailerr.New(mailerr.FatalIO, "write dot terminator", err)
	}
	return c.w.Flush()
}

func hasHeader(body []byte, name string) bool {
	headerEnd := bytes.Index(body, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		headerEnd = len(body)
	}
	header := body[:headerEnd]
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		if bytes.HasPrefix(line, []byte(name)) {
			return true
		}
	}
	return false
}
