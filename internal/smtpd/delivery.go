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

package smtpd

import (
	"fmt"

	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
	"github.com/ulg-ingi/mailsrv/internal/metrics"
	"github.com/ulg-ingi/mailsrv/internal/procconfig"
)

// processEmail routes the completed transaction to every recipient, either
// by local delivery into the mailbox store or by relaying to a remote MX
// (spec §4.4 "Delivery routing"). It replies once: 250 if every recipient
// succeeded, otherwise 451 (any recipient failed, whatever its error class,
// or there were no recipients). The return value reports whether a fatal
// (connection-ending) write error occurred.
func (s *session) processEmail() bool {
	collector := s.eng.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}

	allOK := true
	for _, rcpt := range s.tx.recipients {
		user, domain := procconfig.SplitAddress(rcpt)
		var err error
		if s.eng.Config.IsLocalDomain(domain) {
			err = s.deliverLocal(user, rcpt)
			collector.DeliveryOutcome("local", err == nil)
		} else {
			err = s.deliverRemote(domain, rcpt)
			collector.DeliveryOutcome("relay", err == nil)
		}
		if err != nil {
			allOK = false
		}
	}

	if len(s.tx.recipients) == 0 {
		allOK = false
	}

	if allOK {
		return s.writeLine("250 OK Message accepted for delivery") != nil
	}
	return s.writeLine("451 Requested action aborted: local error in processing") != nil
}

// deliverLocal hands the message to the mailbox store, prefixing the
// envelope headers the spec requires (§4.4, scenario S5).
func (s *session) deliverLocal(user, rcpt string) error {
	if !s.eng.Config.Credentials.Exists(user) {
		s.eng.Log.Msg("local delivery to unknown user rejected", "user", user, "peer", s.peer)
		return mailerr.New(mailerr.Auth, "unknown local recipient", nil, "user", user)
	}

	header := fmt.Sprintf("Return-Path: <%s>\r\nDelivered-To: <%s>\r\n", s.tx.sender, rcpt)
	body := append([]byte(header), s.tx.body...)

	uid, err := s.eng.Store.SaveEmail(user, mailstore.Inbox, body)
	if err != nil {
		s.eng.Log.Error("local delivery failed", err, "user", user, "peer", s.peer)
		return err
	}
	s.eng.Log.Msg("local delivery complete", "user", user, "uid", uid)
	return nil
}

// deliverRemote resolves MX (falling back to a bare A lookup), dials port
// 25 on the chosen host, and runs the outbound dialog.
func (s *session) deliverRemote(domain, rcpt string) error {
	host, err := s.eng.Resolver.ResolveMX(domain)
	if err != nil || host == "" {
		s.eng.Log.Error("mx resolution failed", err, "domain", domain)
		if err == nil {
			err = mailerr.New(mailerr.ResolveFailed, "mx resolution returned no host", nil, "domain", domain)
		}
		return err
	}

	addr, err := s.eng.Resolver.ResolveA(host)
	if err != nil || addr == "" {
		s.eng.Log.Error("a resolution failed", err, "host", host)
		if err == nil {
			err = mailerr.New(mailerr.ResolveFailed, "a resolution returned no address", nil, "host", host)
		}
		return err
	}

	body := s.tx.body
	if s.eng.Signer != nil {
		if signed, signErr := s.eng.Signer.Sign(s.eng.Config.Domain, body); signErr != nil {
			s.eng.Log.Error("dkim signing failed, relaying unsigned", signErr, "domain", s.eng.Config.Domain)
		} else {
			body = signed
		}
	}

	if err := relay(addr, s.eng.Config.Domain, s.tx.sender, rcpt, body); err != nil {
		s.eng.Log.Error("relay failed", err, "host", host, "addr", addr, "rcpt", rcpt)
		return err
	}
	return nil
}
