package smtpd

import "testing"

func TestSplitVerb(t *testing.T) {
	cases := []struct {
		in, verb, rest string
	}{
		{"QUIT", "QUIT", ""},
		{"MAIL FROM:<a@b.com>", "MAIL", "FROM:<a@b.com>"},
		{"  RCPT   TO:<x@y.com>  ", "RCPT", "TO:<x@y.com>"},
	}
	for _, c := range cases {
		verb, rest := splitVerb(c.in)
		if verb != c.verb || rest != c.rest {
			t.Errorf("splitVerb(%q) = (%q, %q), want (%q, %q)", c.in, verb, rest, c.verb, c.rest)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	addr, ok := parseMailFrom("FROM:<sender@example.com>")
	if !ok || addr != "sender@example.com" {
		t.Fatalf("parseMailFrom = (%q, %v), want (sender@example.com, true)", addr, ok)
	}

	addr, ok = parseRcptTo("TO:<rcpt@example.com>")
	if !ok || addr != "rcpt@example.com" {
		t.Fatalf("parseRcptTo = (%q, %v), want (rcpt@example.com, true)", addr, ok)
	}

	if _, ok := parseMailFrom("TO:<wrong@example.com>"); ok {
		t.Fatal("parseMailFrom accepted a TO: prefix")
	}
	if _, ok := parseMailFrom("garbage"); ok {
		t.Fatal("parseMailFrom accepted a line with no colon")
	}
}
