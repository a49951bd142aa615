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
	"bytes"
	"net/mail"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
)

// fetchMacro expands ALL/FAST/FULL into their constituent data items (spec
// §4.5 UID FETCH).
func fetchMacro(name string) []string {
	switch name {
	case "ALL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	case "FAST":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	case "FULL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"}
	default:
		return nil
	}
}

// cmdUIDFetch implements UID FETCH (spec §4.5 "UID FETCH").
func (s *session) cmdUIDFetch(tag string, args []string) bool {
	if len(args) < 2 {
		return s.writeLine(tag, "BAD", "UID FETCH requires a range and data items") != nil
	}
	uids, err := s.parseUIDSet(args[0])
	if err != nil {
		return s.writeLine(tag, "BAD", "invalid UID set") != nil
	}

	var items []string
	if isListToken(args[1]) {
		items = splitParenList(args[1])
	} else {
		items = []string{strings.ToUpper(args[1])}
	}
	var expanded []string
	for _, it := range items {
		if macro := fetchMacro(strings.ToUpper(it)); macro != nil {
			expanded = append(expanded, macro...)
		} else {
			expanded = append(expanded, it)
		}
	}

	requested := make(map[int]bool, len(uids))
	for _, u := range uids {
		requested[u] = true
	}

	msn := 0
	for _, m := range s.cache {
		msn++
		if !requested[m.UID] {
			continue
		}
		if peek, ok := wholeMessageSection(expanded); ok {
			if err := s.streamFetchResponse(msn, m, expanded, peek); err != nil {
				s.eng.Log.Error("fetch failed", err, "user", s.user, "uid", m.UID)
				if mailerr.CodeOf(err) == mailerr.FatalIO {
					return true
				}
			}
			continue
		}
		line, err := s.buildFetchResponse(msn, m, expanded)
		if err != nil {
			s.eng.Log.Error("fetch failed", err, "user", s.user, "uid", m.UID)
			continue
		}
		if err := s.writeUntagged("%s", line); err != nil {
			return true
		}
	}
	return s.writeLine(tag, "OK", "UID FETCH completed") != nil
}

// wholeMessageSection reports whether items is a pure whole-message BODY[]
// fetch — no ENVELOPE/BODYSTRUCTURE or other section needing a header
// parse — letting cmdUIDFetch stream the file straight to the connection
// (spec §9: "flush the text preamble before streaming the file") instead
// of buffering it into the response string the way buildFetchResponse does.
func wholeMessageSection(items []string) (peek bool, ok bool) {
	found := false
	for _, it := range items {
		switch it {
		case "BODY[]":
			found = true
		case "BODY.PEEK[]":
			found = true
			peek = true
		case "FLAGS", "RFC822.SIZE":
		default:
			return false, false
		}
	}
	return peek, found
}

// streamFetchResponse writes one "* <msn> FETCH (...)" response whose
// BODY[] content is copied directly from disk to the connection via
// mailstore.Store.StreamMessage, rather than buffered through a Go string.
func (s *session) streamFetchResponse(msn int, m cachedMessage, items []string, peek bool) error {
	var parts []string
	for _, it := range items {
		switch it {
		case "FLAGS":
			parts = append(parts, "FLAGS ("+flagList(m.Flags)+")")
		case "RFC822.SIZE":
			parts = append(parts, "RFC822.SIZE "+strconv.FormatInt(m.Size, 10))
		}
	}
	if !peek {
		if err := s.markSeen(m.UID); err != nil {
			s.eng.Log.Error("fetch: mark seen failed", err, "user", s.user, "uid", m.UID)
		}
	}

	prefix := "* " + strconv.Itoa(msn) + " FETCH (UID " + strconv.Itoa(m.UID) + " "
	if len(parts) > 0 {
		prefix += strings.Join(parts, " ") + " "
	}
	prefix += "BODY[] {" + strconv.FormatInt(m.Size, 10) + "}\r\n"

	if _, err := s.w.WriteString(prefix); err != nil {
		return mailerr.New(mailerr.FatalIO, "write fetch preamble", err)
	}
	if _, err := s.eng.Store.StreamMessage(s.user, s.mailbox, m.UID, s.w); err != nil {
		return err
	}
	if _, err := s.w.WriteString(")\r\n"); err != nil {
		return mailerr.New(mailerr.FatalIO, "write fetch trailer", err)
	}
	return s.w.Flush()
}

// buildFetchResponse assembles "<MSN> FETCH (UID <u> <parts>)" for one
// cached message.
func (s *session) buildFetchResponse(msn int, m cachedMessage, items []string) (string, error) {
	var needBody bool
	for _, it := range items {
		if it == "ENVELOPE" || it == "BODYSTRUCTURE" || it == "BODY" || strings.HasPrefix(it, "BODY[") || strings.HasPrefix(it, "BODY.PEEK[") {
			needBody = true
		}
	}

	var body []byte
	var header *textproto.Header
	if needBody {
		_, raw, err := s.eng.Store.GetMessageFile(s.user, s.mailbox, m.UID)
		if err != nil {
			return "", err
		}
		body = raw
		header, _ = parseHeader(body)
	}

	var parts []string
	for _, it := range items {
		switch {
		case it == "FLAGS":
			parts = append(parts, "FLAGS ("+flagList(m.Flags)+")")
		case it == "INTERNALDATE":
			parts = append(parts, `INTERNALDATE "`+internalDate(header)+`"`)
		case it == "RFC822.SIZE":
			parts = append(parts, "RFC822.SIZE "+strconv.FormatInt(m.Size, 10))
		case it == "ENVELOPE":
			parts = append(parts, "ENVELOPE "+buildEnvelope(header))
		case it == "BODYSTRUCTURE" || it == "BODY":
			parts = append(parts, "BODYSTRUCTURE "+buildBodyStructure(header, body))
		case strings.HasPrefix(it, "BODY[") || strings.HasPrefix(it, "BODY.PEEK["):
			peek := strings.HasPrefix(it, "BODY.PEEK[")
			section := sectionOf(it)
			data := extractSection(body, section)
			if !peek {
				if err := s.markSeen(m.UID); err != nil {
					s.eng.Log.Error("fetch: mark seen failed", err, "user", s.user, "uid", m.UID)
				}
			}
			parts = append(parts, "BODY["+section+"] {"+strconv.Itoa(len(data))+"}\r\n"+string(data))
		}
	}

	return strconv.Itoa(msn) + " FETCH (UID " + strconv.Itoa(m.UID) + " " + strings.Join(parts, " ") + ")", nil
}

// markSeen adds \Seen to uid's flag set unless already present (spec §4.5:
// "For each BODY[...] section that is not .PEEK, add \Seen ... if absent").
func (s *session) markSeen(uid int) error {
	flags, err := s.eng.Store.GetFlags(s.user, s.mailbox, uid)
	if err != nil {
		return err
	}
	if flags[mailstore.FlagSeen] {
		return nil
	}
	_, err = s.eng.Store.UpdateFlag(s.user, s.mailbox, uid, mailstore.FlagSeen, true)
	if err == nil {
		for i := range s.cache {
			if s.cache[i].UID == uid {
				if s.cache[i].Flags == nil {
					s.cache[i].Flags = map[string]bool{}
				}
				s.cache[i].Flags[mailstore.FlagSeen] = true
			}
		}
	}
	return err
}

func flagList(flags map[string]bool) string {
	names := make([]string, 0, len(flags))
	for f, set := range flags {
		if set {
			names = append(names, f)
		}
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

// sectionOf extracts the section name from "BODY[HEADER]" / "BODY.PEEK[]".
func sectionOf(item string) string {
	i := strings.IndexByte(item, '[')
	j := strings.LastIndexByte(item, ']')
	if i < 0 || j < 0 || j < i {
		return ""
	}
	return item[i+1 : j]
}

// parseHeader splits a stored message into its parsed header and returns
// it; the caller keeps the raw bytes for body-section extraction.
func parseHeader(raw []byte) (*textproto.Header, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// extractSection implements the BODY[HEADER]/BODY[TEXT]/BODY[] split (spec
// §4.5: "parse the message file into header block ... and body block").
func extractSection(raw []byte, section string) []byte {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	var headerBlock, bodyBlock []byte
	if idx < 0 {
		headerBlock = raw
	} else {
		headerBlock = raw[:idx+2]
		bodyBlock = raw[idx+4:]
	}
	switch strings.ToUpper(section) {
	case "HEADER":
		return headerBlock
	case "TEXT":
		return bodyBlock
	default:
		return raw
	}
}

func internalDate(header *textproto.Header) string {
	if header == nil {
		return ""
	}
	return header.Get("Date")
}

// buildEnvelope implements the ENVELOPE structure (spec §4.5 "ENVELOPE
// structure").
func buildEnvelope(header *textproto.Header) string {
	if header == nil {
		return "NIL"
	}
	fields := []string{
		quoteOrNil(header.Get("Date")),
		quoteOrNil(header.Get("Subject")),
		addressListEnvelope(header.Get("From")),
		addressListEnvelope(orDefault(header.Get("Sender"), header.Get("From"))),
		addressListEnvelope(orDefault(header.Get("Reply-To"), header.Get("From"))),
		addressListEnvelope(header.Get("To")),
		addressListEnvelope(header.Get("Cc")),
		addressListEnvelope(header.Get("Bcc")),
		quoteOrNil(header.Get("In-Reply-To")),
		quoteOrNil(header.Get("Message-Id")),
	}
	return "(" + strings.Join(fields, " ") + ")"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func quoteOrNil(v string) string {
	if v == "" {
		return "NIL"
	}
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// addressListEnvelope renders an address header as ENVELOPE's parenthesized
// address list, one "(display-name NIL local-part domain)" entry per
// address, or NIL if the header is empty or unparseable.
func addressListEnvelope(raw string) string {
	if raw == "" {
		return "NIL"
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil || len(addrs) == 0 {
		return "NIL"
	}
	var entries []string
	for _, a := range addrs {
		local, domain := splitMailbox(a.Address)
		entries = append(entries, "("+quoteOrNil(a.Name)+" NIL "+quoteOrNil(local)+" "+quoteOrNil(domain)+")")
	}
	return "(" + strings.Join(entries, " ") + ")"
}

// buildBodyStructure renders a simplified single-part BODYSTRUCTURE: this
// server does not parse MIME multipart bodies, so every message is reported
// as one part using its Content-Type (default text/plain).
func buildBodyStructure(header *textproto.Header, body []byte) string {
	ctype := "text/plain"
	if header != nil {
		if v := header.Get("Content-Type"); v != "" {
			ctype = v
		}
	}
	typ, subtype := "TEXT", "PLAIN"
	if i := strings.IndexByte(ctype, '/'); i > 0 {
		typ = strings.ToUpper(strings.TrimSpace(ctype[:i]))
		rest := ctype[i+1:]
		if j := strings.IndexByte(rest, ';'); j >= 0 {
			rest = rest[:j]
		}
		subtype = strings.ToUpper(strings.TrimSpace(rest))
	}
	lines := bytes.Count(body, []byte("\n"))
	return "(\"" + typ + "\" \"" + subtype + "\" NIL NIL NIL \"7BIT\" " + strconv.Itoa(len(body)) + " " + strconv.Itoa(lines) + ")"
}
