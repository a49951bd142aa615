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

// Package mailstore implements the shared mailbox storage layer (C3): a
// folder tree on disk, one message file per UID, and a per-folder metadata
// record holding LAST_UID, FOLDER_UID, the SUBSCRIBED flag and the UID ->
// flag-set map. Every exported method that touches the filesystem is
// serialized by the per-user lock manager (C2), so callers never need to
// take locks themselves.
package mailstore

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ulg-ingi/mailsrv/internal/lockmgr"
	"github.com/ulg-ingi/mailsrv/internal/log"
	"github.com/ulg-ingi/mailsrv/internal/mailerr"
)

// Inbox is the reserved, always-addressable, case-insensitive folder name.
const Inbox = "INBOX"

// MessageInfo describes one stored message as returned by ListMessages.
type MessageInfo struct {
	UID  int
	File string // absolute path to the <uid>.eml file
	Size int64
}

// Store is the mailbox storage layer for every user under one base
// directory. It is safe for concurrent use by multiple goroutines; that
// safety comes entirely from the embedded lock manager.
type Store struct {
	base  string
	locks *lockmgr.Manager
	Log   log.Logger
}

// New creates a Store rooted at base, using the given lock manager. A nil
// manager is replaced with a fresh private one (handy in tests).
func New(base string, locks *lockmgr.Manager, logger log.Logger) *Store {
	if locks == nil {
		locks = lockmgr.New()
	}
	return &Store{base: base, locks: locks, Log: logger}
}

// GetUserDirectory returns the root directory for user, without touching
// the filesystem or taking any lock.
func (s *Store) GetUserDirectory(user string) string {
	return filepath.Join(s.base, user)
}

// canonicalFolder normalizes INBOX's case (spec invariant 4: "INBOX is
// addressable regardless of letter case; all other folder names are
// matched case-sensitively") and rejects path traversal.
func canonicalFolder(name string) (string, error) {
	if strings.EqualFold(name, Inbox) {
		return Inbox, nil
	}
	clean := path_Clean(name)
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return "", mailerr.New(mailerr.Syntax, "invalid folder name", nil, "folder", name)
		}
	}
	return clean, nil
}

// path_Clean trims the separators filepath.Clean would otherwise rewrite to
// the OS separator; folder names always use '/' regardless of host OS.
func path_Clean(name string) string {
	return strings.Trim(name, "/")
}

func (s *Store) folderDir(user, folder string) (string, error) {
	canon, err := canonicalFolder(folder)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.base, user, filepath.FromSlash(canon)), nil
}

func (s *Store) messagePath(folderDir string, uid int) string {
	return filepath.Join(folderDir, strconv.Itoa(uid)+".eml")
}

func ioErr(op string, err error, fields ...interface{}) error {
	if err == nil {
		return nil
	}
	return mailerr.New(mailerr.StorageIO, op, err, fields...)
}

// FolderExists reports whether folder exists for user. INBOX always exists
// logically even before any message has ever been delivered to it.
func (s *Store) FolderExists(user, folder string) (bool, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)
	return s.folderExistsLocked(user, folder)
}

func (s *Store) folderExistsLocked(user, folder string) (bool, error) {
	canon, err := canonicalFolder(folder)
	if err != nil {
		return false, err
	}
	if canon == Inbox {
		return true, nil
	}
	dir, err := s.folderDir(user, folder)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, ioErr("stat folder", err, "folder", folder)
	}
	return fi.IsDir(), nil
}

// CreateFolder creates folder (and any missing metadata) for user.
func (s *Store) CreateFolder(user, folder string) error {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ioErr("create folder", err, "folder", folder)
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return err
	}
	return md.save(dir)
}

// DeleteFolder removes folder and its contents. INBOX can never be deleted
// (spec invariant: "cannot be deleted or renamed").
func (s *Store) DeleteFolder(user, folder string) error {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	canon, err := canonicalFolder(folder)
	if err != nil {
		return err
	}
	if canon == Inbox {
		return mailerr.New(mailerr.State, "INBOX cannot be deleted", nil, "folder", folder)
	}
	dir, err := s.folderDir(user, folder)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return ioErr("delete folder", err, "folder", folder)
	}
	return nil
}

// RenameFolder renames oldName to newName. INBOX can never be the source.
func (s *Store) RenameFolder(user, oldName, newName string) error {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	oldCanon, err := canonicalFolder(oldName)
	if err != nil {
		return err
	}
	if oldCanon == Inbox {
		return mailerr.New(mailerr.State, "INBOX cannot be renamed", nil, "folder", oldName)
	}
	oldDir, err := s.folderDir(user, oldName)
	if err != nil {
		return err
	}
	newDir, err := s.folderDir(user, newName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0o700); err != nil {
		return ioErr("rename folder", err, "folder", oldName)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return ioErr("rename folder", err, "folder", oldName, "to", newName)
	}
	return nil
}

// ListFolders walks user's directory tree recursively, returning every
// folder name found (path-like, '/'-separated), always including INBOX
// even if it has no directory on disk yet.
func (s *Store) ListFolders(user string) ([]string, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	root := s.GetUserDirectory(user)
	found := map[string]bool{Inbox: true}

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return nil
			}
			return err
		}
		if !info.IsDir() || p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		found[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return nil, ioErr("list folders", err, "user", user)
	}

	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// HasChildren reports whether folder has any subdirectory, used by LIST to
// compute \HasChildren / \HasNoChildren.
func (s *Store) HasChildren(user, folder string) (bool, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, ioErr("stat folder children", err, "folder", folder)
	}
	for _, e := range entries {
		if e.IsDir() {
			return true, nil
		}
	}
	return false, nil
}

// SaveEmail allocates the next UID in folder, creates the folder if it
// doesn't exist, writes the message bytes to <uid>.eml, and marks the new
// message \Recent.
func (s *Store) SaveEmail(user, folder string, body []byte) (int, error) {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, ioErr("save email", err, "folder", folder)
	}

	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return 0, err
	}
	uid := md.LastUID + 1
	md.LastUID = uid

	if err := os.WriteFile(s.messagePath(dir, uid), body, 0o600); err != nil {
		return 0, ioErr("save email", err, "folder", folder, "uid", uid)
	}

	md.setFlags(uid, map[string]bool{FlagRecent: true})
	if err := md.save(dir); err != nil {
		return 0, err
	}

	s.Log.Msg("message saved", "user", user, "folder", folder, "uid", uid)
	return uid, nil
}

// ListMessages returns every message in folder, ascending by UID.
func (s *Store) ListMessages(user, folder string) ([]MessageInfo, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErr("list messages", err, "folder", folder)
	}

	out := make([]MessageInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		uid, ok := parseUIDFilename(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, ioErr("stat message", err, "folder", folder, "uid", uid)
		}
		out = append(out, MessageInfo{UID: uid, File: s.messagePath(dir, uid), Size: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func parseUIDFilename(name string) (int, bool) {
	if !strings.HasSuffix(name, ".eml") {
		return 0, false
	}
	stem := strings.TrimSuffix(name, ".eml")
	uid, err := strconv.Atoi(stem)
	if err != nil || uid <= 0 {
		return 0, false
	}
	return uid, true
}

// GetMessageFile returns the path to the message file for uid in folder,
// and its raw bytes.
func (s *Store) GetMessageFile(user, folder string, uid int) (path string, body []byte, err error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return "", nil, err
	}
	p := s.messagePath(dir, uid)
	b, err := os.ReadFile(p)
	if err != nil {
		return "", nil, ioErr("read message", err, "folder", folder, "uid", uid)
	}
	return p, b, nil
}

// CopyMessage copies the message at uid in srcFolder into a freshly
// allocated UID in destFolder and returns that new UID, marking the copy
// \Seen (spec §4.5 UID COPY: "mark the copy \Seen").
func (s *Store) CopyMessage(user, srcFolder string, uid int, destFolder string) (int, error) {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	srcDir, err := s.folderDir(user, srcFolder)
	if err != nil {
		return 0, err
	}
	body, err := os.ReadFile(s.messagePath(srcDir, uid))
	if err != nil {
		return 0, ioErr("copy message: read source", err, "folder", srcFolder, "uid", uid)
	}

	destDir, err := s.folderDir(user, destFolder)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return 0, ioErr("copy message: create dest", err, "folder", destFolder)
	}

	md, err := s.loadOrInitMetadataLocked(destDir)
	if err != nil {
		return 0, err
	}
	newUID := md.LastUID + 1
	md.LastUID = newUID

	if err := os.WriteFile(s.messagePath(destDir, newUID), body, 0o600); err != nil {
		return 0, ioErr("copy message: write dest", err, "folder", destFolder, "uid", newUID)
	}
	md.setFlags(newUID, map[string]bool{FlagSeen: true})
	if err := md.save(destDir); err != nil {
		return 0, err
	}
	return newUID, nil
}

// DeleteMessageFile removes the message file at uid in folder. Flag
// metadata for the UID is left in place deliberately: UIDs are never
// reused, so nothing will ever read it again, and erasing it costs a
// metadata rewrite for no observable benefit.
func (s *Store) DeleteMessageFile(user, folder string, uid int) error {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return err
	}
	if err := os.Remove(s.messagePath(dir, uid)); err != nil && !os.IsNotExist(err) {
		return ioErr("delete message", err, "folder", folder, "uid", uid)
	}
	return nil
}

// StreamMessage copies the raw bytes of uid in folder to w, for IMAP
// BODY[] literal streaming without buffering the whole file in memory.
func (s *Store) StreamMessage(user, folder string, uid int, w io.Writer) (int64, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(s.messagePath(dir, uid))
	if err != nil {
		return 0, ioErr("stream message", err, "folder", folder, "uid", uid)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, ioErr("stream message", err, "folder", folder, "uid", uid)
	}
	return n, nil
}
