package smtpd

import "testing"

func TestDotStuff_LeadingDotDoubled(t *testing.T) {
	in := []byte("hello\r\n.bar\r\nworld\r\n")
	want := []byte("hello\r\n..bar\r\nworld\r\n")
	if got := dotStuff(in); string(got) != string(want) {
		t.Fatalf("dotStuff = %q, want %q", got, want)
	}
}

func TestDotStuff_NoLeadingDotUnchanged(t *testing.T) {
	in := []byte("plain\r\nbody\r\n")
	if got := dotStuff(in); string(got) != string(in) {
		t.Fatalf("dotStuff = %q, want unchanged %q", got, in)
	}
}
