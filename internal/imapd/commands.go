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
	"sort"
	"strings"

	"github.com/ulg-ingi/mailsrv/internal/mailerr"
	"github.com/ulg-ingi/mailsrv/internal/mailstore"
)

func (s *session) cmdCapability(tag string) bool {
	if err := s.writeUntagged("CAPABILITY %s", capabilityLine); err != nil {
		return true
	}
	return s.writeLine(tag, "OK", "CAPABILITY completed") != nil
}

// cmdNoop recomputes the cached list when SELECTed and reports growth
// (spec §4.5 NOOP).
func (s *session) cmdNoop(tag string) bool {
	if s.state == stateSelected {
		before := len(s.cache)
		if err := s.refreshCache(); err != nil {
			s.eng.Log.Error("noop: refresh failed", err, "user", s.user, "mailbox", s.mailbox)
			return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "local error in processing") != nil
		}
		if len(s.cache) > before {
			if err := s.writeUntagged("%d EXISTS", len(s.cache)); err != nil {
				return true
			}
			if err := s.writeUntagged("%d RECENT", len(s.cache)-before); err != nil {
				return true
			}
		}
	}
	return s.writeLine(tag, "OK", "NOOP completed") != nil
}

// cmdLogin authenticates and transitions NOT_AUTHENTICATED -> AUTHENTICATED
// (spec §4.5 LOGIN).
func (s *session) cmdLogin(tag string, args []string) bool {
	if s.state != stateNotAuthenticated {
		return s.writeLine(tag, "BAD", "LOGIN not valid in this state") != nil
	}
	if len(args) < 2 {
		return s.writeLine(tag, "BAD", "LOGIN requires a username and password") != nil
	}
	user, _ := splitMailbox(args[0])
	if !s.eng.Config.Credentials.Authenticate(user, args[1]) {
		return s.writeLine(tag, "NO", "LOGIN failed") != nil
	}
	s.user = user
	s.state = stateAuthenticated
	return s.writeLine(tag, "OK", "LOGIN completed") != nil
}

func (s *session) cmdLogout(tag string) bool {
	s.state = stateLogout
	if err := s.writeUntagged("BYE %s logging out", s.eng.Config.Domain); err != nil {
		return true
	}
	s.writeLine(tag, "OK", "LOGOUT completed")
	return true
}

// cmdListLsub implements LIST and LSUB (spec §4.5 "LIST / LSUB").
func (s *session) cmdListLsub(tag string, args []string, subscribedOnly bool) bool {
	verb := "LIST"
	if subscribedOnly {
		verb = "LSUB"
	}
	if !s.requireAuthenticated() {
		return s.writeLine(tag, "BAD", verb+" requires authentication") != nil
	}
	if len(args) < 2 {
		return s.writeLine(tag, "BAD", verb+" requires a reference and a pattern") != nil
	}
	ref, pattern := args[0], args[1]

	if ref == "" && pattern == "" {
		if err := s.writeUntagged(`LIST (\Noselect) "/" ""`); err != nil {
			return true
		}
		return s.writeLine(tag, "OK", verb+" completed") != nil
	}

	folders, err := s.eng.Store.ListFolders(s.user)
	if err != nil {
		s.eng.Log.Error(verb+" failed", err, "user", s.user)
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "local error in processing") != nil
	}
	names := map[string]bool{mailstore.Inbox: true}
	for _, f := range folders {
		names[f] = true
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	full := strings.TrimSuffix(ref, "/") + "/" + pattern
	full = strings.TrimPrefix(full, "/")

	for _, name := range sorted {
		if !matchMailboxPattern(full, name) {
			continue
		}
		if subscribedOnly {
			ok, err := s.eng.Store.IsSubscribed(s.user, name)
			if err != nil || !ok {
				continue
			}
		}
		hasChildren, err := s.eng.Store.HasChildren(s.user, name)
		if err != nil {
			s.eng.Log.Error(verb+" failed", err, "user", s.user, "folder", name)
			continue
		}
		attr := `\HasNoChildren`
		if hasChildren {
			attr = `\HasChildren`
		}
		if err := s.writeUntagged(`%s (%s) "/" "%s"`, verb, attr, name); err != nil {
			return true
		}
	}
	return s.writeLine(tag, "OK", verb+" completed") != nil
}

func (s *session) cmdCreate(tag string, args []string) bool {
	if !s.requireAuthenticated() || len(args) < 1 {
		return s.writeLine(tag, "BAD", "CREATE requires a mailbox name") != nil
	}
	if err := s.eng.Store.CreateFolder(s.user, args[0]); err != nil {
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "CREATE failed: "+err.Error()) != nil
	}
	return s.writeLine(tag, "OK", "CREATE completed") != nil
}

func (s *session) cmdDelete(tag string, args []string) bool {
	if !s.requireAuthenticated() || len(args) < 1 {
		return s.writeLine(tag, "BAD", "DELETE requires a mailbox name") != nil
	}
	if strings.EqualFold(args[0], mailstore.Inbox) {
		return s.writeLine(tag, "NO", "DELETE of INBOX is not permitted") != nil
	}
	if err := s.eng.Store.DeleteFolder(s.user, args[0]); err != nil {
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "DELETE failed: "+err.Error()) != nil
	}
	return s.writeLine(tag, "OK", "DELETE completed") != nil
}

func (s *session) cmdRename(tag string, args []string) bool {
	if !s.requireAuthenticated() || len(args) < 2 {
		return s.writeLine(tag, "BAD", "RENAME requires two mailbox names") != nil
	}
	if err := s.eng.Store.RenameFolder(s.user, args[0], args[1]); err != nil {
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "RENAME failed: "+err.Error()) != nil
	}
	return s.writeLine(tag, "OK", "RENAME completed") != nil
}

func (s *session) cmdSubscribe(tag string, args []string, subscribe bool) bool {
	verb := "UNSUBSCRIBE"
	if subscribe {
		verb = "SUBSCRIBE"
	}
	if !s.requireAuthenticated() || len(args) < 1 {
		return s.writeLine(tag, "BAD", verb+" requires a mailbox name") != nil
	}
	if err := s.eng.Store.SetSubscribed(s.user, args[0], subscribe); err != nil {
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), verb+" failed: "+err.Error()) != nil
	}
	return s.writeLine(tag, "OK", verb+" completed") != nil
}

// cmdSelect resolves and caches a mailbox's message list (spec §4.5
// "SELECT").
func (s *session) cmdSelect(tag string, args []string) bool {
	if !s.requireAuthenticated() || len(args) < 1 {
		return s.writeLine(tag, "BAD", "SELECT requires a mailbox name") != nil
	}
	folder := args[0]
	if strings.EqualFold(folder, mailstore.Inbox) {
		folder = mailstore.Inbox
	}
	exists, err := s.eng.Store.FolderExists(s.user, folder)
	if err != nil {
		s.eng.Log.Error("select failed", err, "user", s.user, "folder", folder)
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "local error in processing") != nil
	}
	if !exists {
		return s.writeLine(tag, "NO", "no such mailbox") != nil
	}

	s.mailbox = folder
	if err := s.refreshCache(); err != nil {
		s.eng.Log.Error("select failed", err, "user", s.user, "folder", folder)
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "local error in processing") != nil
	}
	s.state = stateSelected

	uidNext, err := s.eng.Store.GetNextUID(s.user, folder)
	if err != nil {
		return s.writeLine(tag, mailerr.CodeOf(err).IMAPStatus(), "local error in processing") != nil
	}

	if err := s.writeUntagged("%d EXISTS", len(s.cache)); err != nil {
		return true
	}
	if err := s.writeUntagged("0 RECENT"); err != nil {
		return true
	}
	if err := s.writeUntagged("OK [UIDVALIDITY 1] UIDs valid"); err != nil {
		return true
	}
	if err := s.writeUntagged("OK [UIDNEXT %d] Predicted next UID", uidNext); err != nil {
		return true
	}
	if err := s.writeUntagged(`FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`); err != nil {
		return true
	}
	if err := s.writeUntagged(`OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] Limited`); err != nil {
		return true
	}
	return s.writeLine(tag, "OK", "[READ-WRITE] SELECT completed") != nil
}

// refreshCache reloads s.cache from the store, sorted ascending by UID
// (spec §4.5 SELECT / §8 invariant 3).
func (s *session) refreshCache() error {
	msgs, err := s.eng.Store.ListMessages(s.user, s.mailbox)
	if err != nil {
		return err
	}
	cache := make([]cachedMessage, len(msgs))
	for i, m := range msgs {
		flags, err := s.eng.Store.GetFlags(s.user, s.mailbox, m.UID)
		if err != nil {
			return err
		}
		cache[i] = cachedMessage{UID: m.UID, Size: m.Size, Flags: flags}
	}
	s.cache = cache
	return nil
}

// splitMailbox splits "user@domain" (LOGIN accepts either a bare local name
// or a full address, since this server serves exactly one domain).
func splitMailbox(addr string) (user, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
