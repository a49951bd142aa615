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

// Package pop3d implements the POP3 retrieval engine (C7): a hand-rolled
// AUTHORIZATION/TRANSACTION/UPDATE state machine over INBOX only.
package pop3d

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

// state is the session's position in the AUTHORIZATION/TRANSACTION/UPDATE
// machine (spec §4.6).
type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
)

// Engine wires one POP3 session to the shared mailbox store and
// configuration. One Engine is reused across every accepted connection.
type Engine struct {
	Config  *procconfig.Config
	Store   *mailstore.Store
	Metrics metrics.Collector
	Log     log.Logger
}

// message is one cached entry in the session's message list; entries marked
// by DELE stay in the list with Deleted set. The 1-based index into messages
// (counting only entries without Deleted set) is the POP3
// message number; UID is the stable mailstore UID used for RETR/DELE.
type message struct {
	UID     int
	Size    int64
	Deleted bool
}

// session is the per-connection state for one POP3 client.
type session struct {
	eng  *Engine
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	state    state
	user     string
	messages []message // loaded once, after PASS succeeds
	peer     string
}

// Handle runs one POP3 session to completion (spec §4.6). It never panics;
// all internal faults are logged and the connection is closed.
func (e *Engine) Handle(conn net.Conn) {
	collector := e.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	collector.ConnectionOpened("pop3")
	defer collector.ConnectionClosed("pop3")
	defer conn.Close()

	s := &session{
		eng:  e,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		peer: conn.RemoteAddr().String(),
	}

	if err := s.writeLine("+OK %s POP3 server ready", e.Config.Domain); err != nil {
		return
	}

	idle := e.Config.POP3IdleTimeout
	if idle <= 0 {
		idle = procconfig.POP3IdleTimeout
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				e.Log.Debugf("pop3 read error from %s: %v", s.peer, err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if s.handleLine(line) {
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

// nonDeletedCount and totalSize report over the cached list, skipping marks
// already flagged \Deleted in this session (spec §4.6 STAT/LIST).
func (s *session) nonDeletedCount() int {
	n := 0
	for _, m := range s.messages {
		if !m.Deleted {
			n++
		}
	}
	return n
}

func (s *session) totalSize() int64 {
	var total int64
	for _, m := range s.messages {
		if !m.Deleted {
			total += m.Size
		}
	}
	return total
}

// resolveIndex maps a 1-based index over non-deleted messages to its
// position in s.messages ("Message indices are 1-based and refer to the
// ordered list of currently non-deleted messages", spec §4.6).
func (s *session) resolveIndex(n int) (int, bool) {
	if n < 1 {
		return 0, false
	}
	count := 0
	for i, m := range s.messages {
		if m.Deleted {
			continue
		}
		count++
		if count == n {
			return i, true
		}
	}
	return 0, false
}
