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
	"bufio"
	"io"
	"net"
	"strconv"
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

// TestIMAPSession_GreetAndLogout exercises scenario S1: connect, expect the
// capability greeting, LOGOUT, expect BYE then tagged OK.
func TestIMAPSession_GreetAndLogout(t *testing.T) {
	e, _ := newTestEngine(t)
	r, w, cleanup := runClient(t, e)
	defer cleanup()

	expectLine(t, r, "* OK [CAPABILITY IMAP4rev1")
	sendLine(t, w, "A1 LOGOUT")
	expectLine(t, r, "* BYE")
	expectLine(t, r, "A1 OK LOGOUT completed")
}

func login(t *testing.T, r *bufio.Reader, w *bufio.Writer, tag string) {
	t.Helper()
	expectLine(t, r, "* OK [CAPABILITY IMAP4rev1")
	sendLine(t, w, tag+" LOGIN dcd password")
	expectLine(t, r, tag+" OK LOGIN completed")
}

// TestIMAPSession_UIDMonotonicity exercises scenario S3: deliver two
// messages, SELECT reports "* 2 EXISTS" and UIDNEXT 3, and UID FETCH 1:*
// returns UIDs 1 and 2 in that order.
func TestIMAPSession_UIDMonotonicity(t *testing.T) {
	e, store := newTestEngine(t)
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte("Subject: one\r\n\r\nbody one\r\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte("Subject: two\r\n\r\nbody two\r\n")); err != nil {
		t.Fatal(err)
	}

	r, w, cleanup := runClient(t, e)
	defer cleanup()

	login(t, r, w, "A1")

	sendLine(t, w, "A2 SELECT INBOX")
	expectLine(t, r, "* 2 EXISTS")
	expectLine(t, r, "* 0 RECENT")
	expectLine(t, r, "* OK [UIDVALIDITY 1]")
	expectLine(t, r, "* OK [UIDNEXT 3]")
	expectLine(t, r, "* FLAGS")
	expectLine(t, r, "* OK [PERMANENTFLAGS")
	expectLine(t, r, "A2 OK")

	sendLine(t, w, "A3 UID FETCH 1:* (FLAGS)")
	first := expectLine(t, r, "* 1 FETCH")
	if !strings.Contains(first, "UID 1") {
		t.Fatalf("first FETCH line %q missing UID 1", first)
	}
	second := expectLine(t, r, "* 2 FETCH")
	if !strings.Contains(second, "UID 2") {
		t.Fatalf("second FETCH line %q missing UID 2", second)
	}
	expectLine(t, r, "A3 OK")
}

// TestIMAPSession_ExpungeRenumbering exercises scenario S4: deliver three
// messages, mark UID 2 \Deleted, EXPUNGE emits exactly "* 2 EXPUNGE" and
// leaves UIDs 1 and 3.
func TestIMAPSession_ExpungeRenumbering(t *testing.T) {
	e, store := newTestEngine(t)
	for _, body := range []string{"one\r\n", "two\r\n", "three\r\n"} {
		if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}

	r, w, cleanup := runClient(t, e)
	defer cleanup()

	login(t, r, w, "A1")

	sendLine(t, w, "A2 SELECT INBOX")
	expectLine(t, r, "* 3 EXISTS")
	expectLine(t, r, "* 0 RECENT")
	expectLine(t, r, "* OK [UIDVALIDITY 1]")
	expectLine(t, r, "* OK [UIDNEXT 4]")
	expectLine(t, r, "* FLAGS")
	expectLine(t, r, "* OK [PERMANENTFLAGS")
	expectLine(t, r, "A2 OK")

	sendLine(t, w, `A3 UID STORE 2 +FLAGS (\Deleted)`)
	storeFetch := expectLine(t, r, "* 2 FETCH")
	if !strings.Contains(storeFetch, `\Deleted`) {
		t.Fatalf("STORE FETCH line %q missing \\Deleted", storeFetch)
	}
	expectLine(t, r, "A3 OK")

	sendLine(t, w, "A4 EXPUNGE")
	expectLine(t, r, "* 2 EXPUNGE")
	expectLine(t, r, "A4 OK")

	msgs, err := store.ListMessages("dcd", mailstore.Inbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after EXPUNGE, want 2", len(msgs))
	}
	if msgs[0].UID != 1 || msgs[1].UID != 3 {
		t.Fatalf("remaining UIDs = [%d %d], want [1 3]", msgs[0].UID, msgs[1].UID)
	}
}

// TestIMAPSession_UIDCopy exercises UID COPY: the copy receives a fresh UID
// in the destination folder and a COPYUID response is returned.
func TestIMAPSession_UIDCopy(t *testing.T) {
	e, store := newTestEngine(t)
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, []byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateFolder("dcd", "Archive"); err != nil {
		t.Fatal(err)
	}

	r, w, cleanup := runClient(t, e)
	defer cleanup()

	login(t, r, w, "A1")

	sendLine(t, w, "A2 SELECT INBOX")
	expectLine(t, r, "* 1 EXISTS")
	expectLine(t, r, "* 0 RECENT")
	expectLine(t, r, "* OK [UIDVALIDITY 1]")
	expectLine(t, r, "* OK [UIDNEXT 2]")
	expectLine(t, r, "* FLAGS")
	expectLine(t, r, "* OK [PERMANENTFLAGS")
	expectLine(t, r, "A2 OK")

	sendLine(t, w, "A3 UID COPY 1 Archive")
	expectLine(t, r, "A3 OK [COPYUID 1 1 1]")

	msgs, err := store.ListMessages("dcd", "Archive")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].UID != 1 {
		t.Fatalf("Archive contents = %+v, want one message with UID 1", msgs)
	}
}

// TestIMAPSession_UIDFetchBodyStreams exercises the streamed whole-message
// BODY[] path: the literal byte count matches the stored message size and
// the fetched bytes round-trip exactly, and the message is marked \Seen.
func TestIMAPSession_UIDFetchBodyStreams(t *testing.T) {
	e, store := newTestEngine(t)
	body := []byte("Subject: hi\r\n\r\nbody one\r\nbody two\r\n")
	if _, err := store.SaveEmail("dcd", mailstore.Inbox, body); err != nil {
		t.Fatal(err)
	}

	r, w, cleanup := runClient(t, e)
	defer cleanup()

	login(t, r, w, "A1")

	sendLine(t, w, "A2 SELECT INBOX")
	expectLine(t, r, "* 1 EXISTS")
	expectLine(t, r, "* 0 RECENT")
	expectLine(t, r, "* OK [UIDVALIDITY 1]")
	expectLine(t, r, "* OK [UIDNEXT 2]")
	expectLine(t, r, "* FLAGS")
	expectLine(t, r, "* OK [PERMANENTFLAGS")
	expectLine(t, r, "A2 OK")

	sendLine(t, w, "A3 UID FETCH 1 (BODY[])")
	header := expectLine(t, r, "* 1 FETCH")
	wantLiteral := "BODY[] {" + strconv.Itoa(len(body)) + "}"
	if !strings.Contains(header, wantLiteral) {
		t.Fatalf("fetch header %q missing literal %q", header, wantLiteral)
	}
	buf := make([]byte, len(body))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(body) {
		t.Fatalf("streamed body = %q, want %q", buf, body)
	}
	expectLine(t, r, ")")
	expectLine(t, r, "A3 OK")

	flags, err := store.GetFlags("dcd", mailstore.Inbox, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !flags[mailstore.FlagSeen] {
		t.Fatalf("fetched message should be marked \\Seen, flags = %v", flags)
	}
}

// TestIMAPSession_LoginFailure rejects bad credentials and keeps the
// session in NOT_AUTHENTICATED.
func TestIMAPSession_LoginFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	r, w, cleanup := runClient(t, e)
	defer cleanup()

	expectLine(t, r, "* OK [CAPABILITY IMAP4rev1")
	sendLine(t, w, "A1 LOGIN dcd wrongpassword")
	expectLine(t, r, "A1 NO")
	sendLine(t, w, "A2 SELECT INBOX")
	expectLine(t, r, "A2 BAD")
	sendLine(t, w, "A3 LOGOUT")
	expectLine(t, r, "* BYE")
}
