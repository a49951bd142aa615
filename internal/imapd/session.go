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

// Package imapd implements the interactive IMAP engine (C6): a hand-rolled
// tagged-command state machine over NOT_AUTHENTICATED/AUTHENTICATED/
// SELECTED/LOGOUT, using emersion/go-imap purely as a UID-range and flag
// constant library rather than as a protocol framework.
package imapd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ulg-ingi/mailsrv/internal/log"
	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
	"github.com/ulg-ingi/mailsrv/internal/metrics"
	"github.com/ulg-ingi/mailsrv/internal/procconfig"
)

// state is the session's position in the NOT_AUTHENTICATED/AUTHENTICATED/
// SELECTED/LOGOUT machine (spec §4.5).
type state int

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

// capabilityLine is advertised in the greeting and by CAPABILITY (spec
// §4.5: "Greeting advertises CAPABILITY IMAP4rev1 SASL-IR LOGIN-REFERRALS ID
// ENABLE IDLE LITERAL+").
const capabilityLine = "IMAP4rev1 SASL-IR LOGIN-REFERRALS ID ENABLE IDLE LITERAL+"

// Engine wires one IMAP session to the shared mailbox store and
// configuration. One Engine is reused across every accepted connection.
type Engine struct {
	Config  *procconfig.Config
	Store   *mailstore.Store
	Metrics metrics.Collector
	Log     log.Logger
}

// cachedMessage is one entry of a SELECTed mailbox's cached list, held in
// ascending-UID order; its position (1-based) is the message's MSN for the
// lifetime of the cache (spec §8 invariant 3).
type cachedMessage struct {
	UID   int
	Size  int64
	Flags map[string]bool
}

// session is the per-connection state for one IMAP client.
type session struct {
	eng  *Engine
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	state   state
	user    string
	mailbox string // currently SELECTed folder name, canonical form
	cache   []cachedMessage
	peer    string
}

// Handle runs one IMAP session to completion (spec §4.5). It never panics;
// all internal faults are logged and the connection is closed.
func (e *Engine) Handle(conn net.Conn) {
	collector := e.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	collector.ConnectionOpened("imap")
	defer collector.ConnectionClosed("imap")
	defer conn.Close()

	s := &session{
		eng:  e,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		peer: conn.RemoteAddr().String(),
	}

	if err := s.writeUntagged("OK [CAPABILITY %s] %s IMAP4rev1 service ready", capabilityLine, e.Config.Domain); err != nil {
		return
	}

	idle := e.Config.IMAPIdleTimeout
	if idle <= 0 {
		idle = procconfig.IMAPIdleTimeout
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				e.Log.Debugf("imap read error from %s: %v", s.peer, err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if s.dispatch(line) {
			return
		}
	}
}

// dispatch parses and runs one tagged command line. It returns true when
// the connection should close.
func (s *session) dispatch(line string) bool {
	tokens, err := tokenize(line)
	if err != nil || len(tokens) < 2 {
		return s.writeLine("BAD", "", "command syntax error") != nil
	}
	tag, verb := tokens[0], strings.ToUpper(tokens[1])
	args := tokens[2:]

	collector := s.eng.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	collector.CommandProcessed("imap", verb)

	switch verb {
	case "CAPABILITY":
		return s.cmdCapability(tag)
	case "NOOP":
		return s.cmdNoop(tag)
	case "LOGIN":
		return s.cmdLogin(tag, args)
	case "LOGOUT":
		return s.cmdLogout(tag)
	case "LIST":
		return s.cmdListLsub(tag, args, false)
	case "LSUB":
		return s.cmdListLsub(tag, args, true)
	case "CREATE":
		return s.cmdCreate(tag, args)
	case "DELETE":
		return s.cmdDelete(tag, args)
	case "RENAME":
		return s.cmdRename(tag, args)
	case "SUBSCRIBE":
		return s.cmdSubscribe(tag, args, true)
	case "UNSUBSCRIBE":
		return s.cmdSubscribe(tag, args, false)
	case "SELECT":
		return s.cmdSelect(tag, args)
	case "UID":
		return s.cmdUID(tag, args)
	case "EXPUNGE":
		return s.cmdExpunge(tag, false)
	case "CLOSE":
		return s.cmdExpunge(tag, true)
	default:
		return s.writeLine(tag, "BAD", "unrecognized command") != nil
	}
}

// writeLine emits one tagged status response: "<tag> <status> <text>".
func (s *session) writeLine(tag, status, text string) error {
	if _, err := fmt.Fprintf(s.w, "%s %s %s\r\n", tag, status, text); err != nil {
		return mailerr.New(mailerr.FatalIO, "write reply", err)
	}
	return s.w.Flush()
}

// writeUntagged emits one "* ..." response, formatted per format/args.
func (s *session) writeUntagged(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(s.w, "* "+format+"\r\n", args...); err != nil {
		return mailerr.New(mailerr.FatalIO, "write untagged", err)
	}
	return s.w.Flush()
}

func (s *session) requireAuthenticated() bool {
	return s.state == stateAuthenticated || s.state == stateSelected
}
