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

import "testing"

func TestSplitVerb(t *testing.T) {
	cases := []struct{ in, verb, rest string }{
		{"QUIT", "QUIT", ""},
		{"USER dcd", "USER", "dcd"},
		{"  PASS   secret  ", "PASS", "secret"},
	}
	for _, c := range cases {
		verb, rest := splitVerb(c.in)
		if verb != c.verb || rest != c.rest {
			t.Errorf("splitVerb(%q) = (%q, %q), want (%q, %q)", c.in, verb, rest, c.verb, c.rest)
		}
	}
}

func TestSplitMailbox(t *testing.T) {
	user, domain := splitMailbox("dcd@uliege.be")
	if user != "dcd" || domain != "uliege.be" {
		t.Fatalf("splitMailbox = (%q, %q), want (dcd, uliege.be)", user, domain)
	}
	user, domain = splitMailbox("dcd")
	if user != "dcd" || domain != "" {
		t.Fatalf("splitMailbox(bare) = (%q, %q), want (dcd, \"\")", user, domain)
	}
}

func TestResolveIndex_SkipsDeleted(t *testing.T) {
	s := &session{messages: []message{
		{UID: 1, Deleted: false},
		{UID: 2, Deleted: true},
		{UID: 3, Deleted: false},
	}}

	idx, ok := s.resolveIndex(1)
	if !ok || s.messages[idx].UID != 1 {
		t.Fatalf("resolveIndex(1) = (%d, %v), want UID 1", idx, ok)
	}
	idx, ok = s.resolveIndex(2)
	if !ok || s.messages[idx].UID != 3 {
		t.Fatalf("resolveIndex(2) = (%d, %v), want UID 3 (deleted entries skipped)", idx, ok)
	}
	if _, ok := s.resolveIndex(3); ok {
		t.Fatal("resolveIndex(3) should fail: only 2 non-deleted messages")
	}
}
