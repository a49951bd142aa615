package dnsresolver

import (
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"

	"github.com/ulg-ingi/mailsrv/internal/log"
)

func newTestResolver(t *testing.T, zones map[string]mockdns.Zone) *Resolver {
	t.Helper()
	srv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	addr := srv.LocalAddr().(*net.UDPAddr)
	return &Resolver{Server: addr.String(), Log: log.Logger{Out: log.NopOutput{}}}
}

func TestResolveMX_PicksLowestPreference(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.test.": {
			MX: []net.MX{
				{Host: "backup.example.test.", Pref: 20},
				{Host: "primary.example.test.", Pref: 10},
			},
		},
	}
	r := newTestResolver(t, zones)

	host, err := r.ResolveMX("example.test.")
	if err != nil {
		t.Fatal(err)
	}
	if host != "primary.example.test." {
		t.Fatalf("ResolveMX = %q, want the lower-preference host", host)
	}
}

func TestResolveMX_NoRecordsFallsBackToDomain(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"noMX.test.": {A: []string{"192.0.2.1"}},
	}
	r := newTestResolver(t, zones)

	host, err := r.ResolveMX("noMX.test.")
	if err != nil {
		t.Fatal(err)
	}
	if host != "noMX.test." {
		t.Fatalf("ResolveMX with no MX records = %q, want fallback to domain itself", host)
	}
}

func TestResolveA_ReturnsDottedQuad(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"mail.example.test.": {A: []string{"203.0.113.7"}},
	}
	r := newTestResolver(t, zones)

	addr, err := r.ResolveA("mail.example.test.")
	if err != nil {
		t.Fatal(err)
	}
	if addr != "203.0.113.7" {
		t.Fatalf("ResolveA = %q, want %q", addr, "203.0.113.7")
	}
}

func TestResolveA_NXDomainReturnsError(t *testing.T) {
	r := newTestResolver(t, map[string]mockdns.Zone{})

	if _, err := r.ResolveA("nowhere.test."); err == nil {
		t.Fatal("expected an error resolving an unknown name, got nil")
	}
}
