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

// Package smtpd implements the inbound SMTP engine (C5): a hand-rolled
// COMMAND/DATA line-oriented state machine plus the outbound relay client
// used when a recipient's domain is not ours.
package smtpd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ulg-ingi/mailsrv/internal/dnsresolver"
	"github.com/ulg-ingi/mailsrv/internal/log"
	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
	"github.com/ulg-ingi/mailsrv/internal/metrics"
	"github.com/ulg-ingi/mailsrv/internal/procconfig"
)

// state is the inbound session's position in the COMMAND/DATA machine
// (spec §4.4).
type state int

const (
	stateCommand state = iota
	stateData
)

// transaction holds the in-progress MAIL/RCPT/DATA exchange; it is reset
// after every delivery attempt (successful or not).
type transaction struct {
	sender     string
	recipients []string
	body       []byte
}

func (t *transaction) reset() { *t = transaction{} }

// Engine wires one SMTP session to the shared mailbox store, resolver and
// configuration. One Engine is reused across every accepted connection; it
// holds no per-connection state itself.
type Engine struct {
	Config   *procconfig.Config
	Store    *mailstore.Store
	Resolver *dnsresolver.Resolver
	Signer   Signer
	Metrics  metrics.Collector
	Log      log.Logger
}

// Signer best-effort DKIM-signs an outbound message before relaying; see
// dkim.go. A nil Signer in Engine disables signing entirely.
type Signer interface {
	Sign(domain string, message []byte) ([]byte, error)
}

// session is the per-connection state for one SMTP client.
type session struct {
	eng  *Engine
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	state state
	tx    transaction
	peer  string
}

// Handle runs one SMTP session to completion, blocking until the client
// disconnects or the idle timeout fires. It never panics; all internal
// faults are logged and the connection is closed.
func (e *Engine) Handle(conn net.Conn) {
	collector := e.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	collector.ConnectionOpened("smtp")
	defer collector.ConnectionClosed("smtp")
	defer conn.Close()

	s := &session{
		eng:  e,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		peer: conn.RemoteAddr().String(),
	}

	if err := s.writeLine("220 %s Simple Mail Transfer Service Ready", e.Config.Domain); err != nil {
		return
	}

	idle := e.Config.SMTPIdleTimeout
	if idle <= 0 {
		idle = procconfig.SMTPIdleTimeout
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				e.Log.Debugf("smtp read error from %s: %v", s.peer, err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		var quit bool
		if s.state == stateData {
			quit = s.handleDataLine(line)
		} else {
			quit = s.handleCommandLine(line)
		}
		if quit {
			return
		}
	}
}

func (s *session) writeLine(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(s.w, format+"\r\n", args...); err != nil {
		return mailerr.New(mailerr.FatalIO, "write reply", err)
	}
	return s.w.Flush()
}
