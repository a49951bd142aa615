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

package mailstore

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Canonical IMAP flag names (spec §3 Folder Metadata).
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

const metadataFileName = ".metadata"

// metadata is the in-memory form of one folder's .metadata file.
type metadata struct {
	LastUID    int
	FolderUID  string
	Subscribed bool
	Flags      map[int]map[string]bool // uid -> flag set
}

func newMetadata() *metadata {
	return &metadata{Flags: make(map[int]map[string]bool)}
}

func (m *metadata) setFlags(uid int, set map[string]bool) {
	m.Flags[uid] = set
}

// loadOrInitMetadataLocked loads dir's .metadata file, creating a fresh one
// (with a freshly generated FOLDER_UID) if absent. Parse failures are
// logged here and treated as "no metadata" per
// spec §4.2 failure semantics, restarting from LAST_UID=0.
func (s *Store) loadOrInitMetadataLocked(dir string) (*metadata, error) {
	p := filepath.Join(dir, metadataFileName)
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			md := newMetadata()
			md.FolderUID = uuid.NewString()
			return md, nil
		}
		return nil, ioErr("read metadata", err, "path", p)
	}

	md, err := parseMetadata(raw)
	if err != nil {
		s.Log.Error("corrupt folder metadata, restarting from LAST_UID=0", err, "path", p)
		md = newMetadata()
		md.FolderUID = uuid.NewString()
		return md, nil
	}
	if md.FolderUID == "" {
		md.FolderUID = uuid.NewString()
	}
	return md, nil
}

func parseMetadata(raw []byte) (*metadata, error) {
	md := newMetadata()
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if line == "SUBSCRIBED" {
			md.Subscribed = true
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "LAST_UID":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, err
			}
			md.LastUID = n
		case "FOLDER_UID":
			md.FolderUID = value
		default:
			uid, err := strconv.Atoi(key)
			if err != nil {
				return nil, err
			}
			set := make(map[string]bool)
			if value != "" {
				for _, f := range strings.Split(value, "|") {
					if f != "" {
						set[f] = true
					}
				}
			}
			md.Flags[uid] = set
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return md, nil
}

// save rewrites dir's .metadata file from scratch. The write goes to a temp
// file in the same directory followed by an atomic rename, so a crash
// mid-write never corrupts LAST_UID (spec §9 design note: the source does
// a non-atomic rewrite; this is the recommended fix, applied).
func (m *metadata) save(dir string) error {
	var b bytes.Buffer
	b.WriteString("LAST_UID=")
	b.WriteString(strconv.Itoa(m.LastUID))
	b.WriteByte('\n')
	b.WriteString("FOLDER_UID=")
	b.WriteString(m.FolderUID)
	b.WriteByte('\n')
	if m.Subscribed {
		b.WriteString("SUBSCRIBED\n")
	}

	uids := make([]int, 0, len(m.Flags))
	for uid := range m.Flags {
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	for _, uid := range uids {
		flags := make([]string, 0, len(m.Flags[uid]))
		for f := range m.Flags[uid] {
			flags = append(flags, f)
		}
		sort.Strings(flags)
		b.WriteString(strconv.Itoa(uid))
		b.WriteByte('=')
		b.WriteString(strings.Join(flags, "|"))
		b.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(dir, ".metadata.tmp-*")
	if err != nil {
		return ioErr("write metadata", err, "path", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ioErr("write metadata", err, "path", dir)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ioErr("write metadata", err, "path", dir)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metadataFileName)); err != nil {
		os.Remove(tmpName)
		return ioErr("write metadata", err, "path", dir)
	}
	return nil
}

// GetFlags returns the flag set for uid in folder. An absent entry (should
// not happen per invariant 1, but is tolerated) reads as an empty set.
func (s *Store) GetFlags(user, folder string, uid int) (map[string]bool, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return nil, err
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return nil, err
	}
	return copyFlagSet(md.Flags[uid]), nil
}

// SetFlags replaces the entire flag set for uid in folder.
func (s *Store) SetFlags(user, folder string, uid int, set map[string]bool) error {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return err
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return err
	}
	md.Flags[uid] = copyFlagSet(set)
	return md.save(dir)
}

// UpdateFlag adds (add=true) or removes (add=false) a single flag on uid in
// folder, returning the resulting flag set.
func (s *Store) UpdateFlag(user, folder string, uid int, flag string, add bool) (map[string]bool, error) {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return nil, err
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return nil, err
	}
	set := md.Flags[uid]
	if set == nil {
		set = make(map[string]bool)
	}
	if add {
		set[flag] = true
	} else {
		delete(set, flag)
	}
	md.Flags[uid] = set
	if err := md.save(dir); err != nil {
		return nil, err
	}
	return copyFlagSet(set), nil
}

func copyFlagSet(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for k, v := range set {
		if v {
			out[k] = true
		}
	}
	return out
}

// GetNextUID returns the UID that the *next* SaveEmail/CopyMessage call
// into folder would allocate, without allocating it.
func (s *Store) GetNextUID(user, folder string) (int, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return 0, err
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return 0, err
	}
	return md.LastUID + 1, nil
}

// GetFolderUID returns folder's stable opaque identity, generating and
// persisting one on first access if none exists yet.
func (s *Store) GetFolderUID(user, folder string) (string, error) {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", ioErr("get folder uid", err, "folder", folder)
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return "", err
	}
	if err := md.save(dir); err != nil {
		return "", err
	}
	return md.FolderUID, nil
}

// SetSubscribed sets folder's SUBSCRIBED flag.
func (s *Store) SetSubscribed(user, folder string, subscribed bool) error {
	s.locks.LockWrite(user)
	defer s.locks.UnlockWrite(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return err
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return err
	}
	md.Subscribed = subscribed
	return md.save(dir)
}

// IsSubscribed reports folder's SUBSCRIBED flag.
func (s *Store) IsSubscribed(user, folder string) (bool, error) {
	s.locks.LockRead(user)
	defer s.locks.UnlockRead(user)

	dir, err := s.folderDir(user, folder)
	if err != nil {
		return false, err
	}
	md, err := s.loadOrInitMetadataLocked(dir)
	if err != nil {
		return false, err
	}
	return md.Subscribed, nil
}
