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

package dnsresolver

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ulg-ingi/mailsrv/internal/log"
	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/metrics"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	fallbackServer    = "8.8.8.8"
	dnsPort           = 53

	queryTimeout = 2 * time.Second
	maxRetries   = 3
)

// Resolver is a minimal raw-UDP DNS client: one upstream server, no
// recursion of its own (it relies on the upstream server being a
// recursive resolver), no caching, UDP only (spec §4.3 Non-goals).
type Resolver struct {
	Server  string // "host:port"
	Log     log.Logger
	Metrics metrics.Collector
}

// New builds a Resolver by reading the first "nameserver" line out of
// /etc/resolv.conf, falling back to a well-known public resolver if the
// file is absent or has none (spec §4.3).
func New(logger log.Logger, collector metrics.Collector) *Resolver {
	server := readResolvConf(defaultResolvConf)
	if server == "" {
		server = fallbackServer
	}
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Resolver{Server: net.JoinHostPort(server, fmt.Sprint(dnsPort)), Log: logger, Metrics: collector}
}

func readResolvConf(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "nameserver" {
			return fields[1]
		}
	}
	return ""
}

func randomID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable, but a
		// transaction ID of 0 is still a valid (if predictable) one.
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// query sends qname/qtype to r.Server over UDP, retrying up to maxRetries
// times on timeout, and returns the parsed response. It verifies the
// response's transaction ID matches the query before accepting it,
// discarding and retrying on mismatch (spoofed or stray datagram).
func (r *Resolver) query(qname string, qtype uint16) (*parsedResponse, error) {
	collector := r.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	qtypeName := "A"
	if qtype == typeMX {
		qtypeName = "MX"
	}
	start := time.Now()
	resp, err := r.queryOnce(qname, qtype)
	collector.DNSQuery(qtypeName, time.Since(start).Seconds(), err == nil)
	return resp, err
}

func (r *Resolver) queryOnce(qname string, qtype uint16) (*parsedResponse, error) {
	msg, id, err := buildQuery(qname, qtype)
	if err != nil {
		return nil, mailerr.New(mailerr.ResolveFailed, "build dns query", err, "qname", qname)
	}

	conn, err := net.Dial("udp", r.Server)
	if err != nil {
		return nil, mailerr.New(mailerr.ResolveFailed, "dial dns server", err, "server", r.Server)
	}
	defer conn.Close()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := conn.Write(msg); err != nil {
			lastErr = err
			continue
		}
		if err := conn.SetReadDeadline(time.Now().Add(queryTimeout)); err != nil {
			lastErr = err
			continue
		}

		buf := make([]byte, maxUDPResponse)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			r.Log.Msg("dns query timed out, retrying", "qname", qname, "attempt", attempt+1)
			continue
		}

		resp, err := parseResponse(buf[:n])
		if err != nil {
			lastErr = err
			continue
		}
		if resp.ID != id {
			// Stray or spoofed datagram; discard it and go on to the next
			// attempt, which resends the query.
			lastErr = fmt.Errorf("dns: transaction id mismatch")
			continue
		}
		return resp, nil
	}

	return nil, mailerr.New(mailerr.ResolveFailed, "dns query exhausted retries", lastErr, "qname", qname, "qtype", qtype)
}

// ResolveMX returns the mail exchange host with the lowest preference
// value for domain. If domain has no MX records, ResolveMX falls back to
// domain itself (a bare A-record fallback is standard SMTP behavior and
// is explicitly called out by spec §4.3 / scenario S5). Any failure below
// the resolver's own boundary is reported as an error, never panics.
func (r *Resolver) ResolveMX(domain string) (string, error) {
	resp, err := r.query(domain, typeMX)
	if err != nil {
		return "", err
	}

	var records []mxRecord
	for _, rr := range resp.Answers {
		if rr.Type != typeMX {
			continue
		}
		mx, err := decodeMX(resp.raw, rr)
		if err != nil {
			continue
		}
		records = append(records, mx)
	}

	if len(records) == 0 {
		return domain, nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Preference < records[j].Preference })
	return records[0].Exchange, nil
}

// ResolveA returns the first A record for name.
func (r *Resolver) ResolveA(name string) (string, error) {
	resp, err := r.query(name, typeA)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answers {
		if rr.Type != typeA {
			continue
		}
		addr, err := decodeA(rr)
		if err != nil {
			continue
		}
		return addr, nil
	}
	return "", mailerr.New(mailerr.ResolveFailed, "no A record found", nil, "name", name)
}
