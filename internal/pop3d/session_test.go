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
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ulg-ingi/mailsrv/internal/lockmgr"
	"github.com/ulg-ingi/mailsrv/internal/log"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
	"github.com/ulg-ingi/mailsrv/internal/procconfig"
)

func newTestEngine(t *testing.T) (*Engine, *mailstore.Store) {
	t.Helper()
	store := mailstore.New(t.TempDir(), lockmgr.New(), log.Logger{Out: log.NopOutput{}})
	cfg, err := procconfig.New("uliege.be", 4, procconfig.StaticCredentials{"dcd": "password"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Engine{Config: cfg, Store: store, Log: log.Logger{Out: log.NopOutput{}}}, store
}

func runClient(t *testing.T, e *Engine) (*bufio.Reader, *bufio.Writer, func()) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		e.Handle(serverConn)
		close(done)
	}()
	return bufio.NewReader(clientConn), bufio.NewWriter(clientConn), func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func sendLine(t *testing.T, w *bufio.Writer, line string) {
	t.Helper()
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
}

func expectLine(t *testing.T, r *bufio.Reader, prefix string) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("got reply %q, want prefix %q", line, prefix)
	}
	return line
}

func TestPOP3Session_FullRetrievalDialog(t *testing.T) {
	e, store := newTestEngine(t)
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte("Subject: hi\r\n\r\nhello\r\n")); err != nil {
		t.Fatal(err)
	}

	r, w, cleanup := runClient(t, e)
	defer cleanup()

	expectLine(t, r, "+OK uliege.be POP3 server ready")
	sendLine(t, w, "USER dcd@uliege.be")
	expectLine(t, r, "+OK")
	sendLine(t, w, "PASS password")
	expectLine(t, r, "+OK")
	sendLine(t, w, "STAT")
	expectLine(t, r, "+OK 1 ")
	sendLine(t, w, "RETR 1")
	expectLine(t, r, "+OK")
	line := expectLine(t, r, "Subject")
	if !strings.Contains(line, "hi") {
		t.Fatalf("unexpected RETR line %q", line)
	}
	expectLine(t, r, "")
	expectLine(t, r, "hello")
	expectLine(t, r, ".")
	sendLine(t, w, "QUIT")
	expectLine(t, r, "+OK Bye")
}

func TestPOP3Session_AuthenticationFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	r, w, cleanup := runClient(t, e)
	defer cleanup()

	expectLine(t, r, "+OK")
	sendLine(t, w, "USER dcd@uliege.be")
	expectLine(t, r, "+OK")
	sendLine(t, w, "PASS wrong")
	expectLine(t, r, "-ERR")
	sendLine(t, w, "STAT")
	expectLine(t, r, "-ERR command not valid in this state")
	sendLine(t, w, "QUIT")
	expectLine(t, r, "+OK Bye")
}

func TestPOP3Session_DeleteDurableOnlyAfterQuit(t *testing.T) {
	e, store := newTestEngine(t)
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte("one\r\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte("two\r\n")); err != nil {
		t.Fatal(err)
	}

	r, w, cleanup := runClient(t, e)
	defer cleanup()

	expectLine(t, r, "+OK")
	sendLine(t, w, "USER dcd@uliege.be")
	expectLine(t, r, "+OK")
	sendLine(t, w, "PASS password")
	expectLine(t, r, "+OK")
	sendLine(t, w, "DELE 1")
	expectLine(t, r, "+OK")

	// Not yet physically removed: a fresh listing still sees both files.
	msgs, err := store.ListMessages("dcd", mailstore.Inbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d files before QUIT, want 2 (deletion not yet durable)", len(msgs))
	}

	sendLine(t, w, "STAT")
	expectLine(t, r, "+OK 1 ") // only the non-deleted message counts

	sendLine(t, w, "QUIT")
	expectLine(t, r, "+OK Bye")
	cleanup()

	msgs, err = store.ListMessages("dcd", mailstore.Inbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d files after QUIT, want 1 (deleted message expunged)", len(msgs))
	}
}

func TestPOP3Session_RsetClearsDeletionMarks(t *testing.T) {
	e, store := newTestEngine(t)
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte("one\r\n")); err != nil {
		t.Fatal(err)
	}

	r, w, cleanup := runClient(t, e)
	defer cleanup()

	expectLine(t, r, "+OK")
	sendLine(t, w, "USER dcd@uliege.be")
	expectLine(t, r, "+OK")
	sendLine(t, w, "PASS password")
	expectLine(t, r, "+OK")
	sendLine(t, w, "DELE 1")
	expectLine(t, r, "+OK")
	sendLine(t, w, "RSET")
	expectLine(t, r, "+OK")
	sendLine(t, w, "STAT")
	expectLine(t, r, "+OK 1 ")
	sendLine(t, w, "QUIT")
	expectLine(t, r, "+OK Bye")

	msgs, err := store.ListMessages("dcd", mailstore.Inbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d files after RSET-then-QUIT, want 1 (nothing expunged)", len(msgs))
	}
}
