package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

const storeVersion = 3

// StorageError wraps a disk read/write/parse failure. It preserves the
// original cause so callers can distinguish corruption from I/O trouble.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("account store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StoreSnapshot is the in-memory image of the on-disk account file.
type StoreSnapshot struct {
	Accounts            []*Account
	ActiveIndex         int
	ActiveIndexByFamily map[ModelFamily]int

	extra map[string]json.RawMessage
}

func emptySnapshot() *StoreSnapshot {
	return &StoreSnapshot{ActiveIndexByFamily: map[ModelFamily]int{}}
}

func (s *StoreSnapshot) clone() *StoreSnapshot {
	cp := &StoreSnapshot{
		ActiveIndex:         s.ActiveIndex,
		ActiveIndexByFamily: make(map[ModelFamily]int, len(s.ActiveIndexByFamily)),
	}
	for _, a := range s.Accounts {
		cp.Accounts = append(cp.Accounts, a.clone())
	}
	for k, v := range s.ActiveIndexByFamily {
		cp.ActiveIndexByFamily[k] = v
	}
	if s.extra != nil {
		cp.extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			cp.extra[k] = v
		}
	}
	return cp
}

func (s *StoreSnapshot) validate() error {
	for i, a := range s.Accounts {
		if strings.TrimSpace(a.RefreshToken) == "" {
			return fmt.Errorf("account %d: empty refresh_token", i)
		}
		for name, ts := range map[string]int64{
			"expires_at":         a.ExpiresAt,
			"added_at":           a.AddedAt,
			"last_used":          a.LastUsed,
			"cooling_down_until": a.CoolingDownUntil,
		} {
			if ts < 0 {
				return fmt.Errorf("account %d: negative %s", i, name)
			}
		}
		for f, reset := range a.RateLimitResetTimes {
			if reset < 0 {
				return fmt.Errorf("account %d: negative reset for family %s", i, f)
			}
		}
	}
	if len(s.Accounts) > 0 {
		if s.ActiveIndex < 0 || s.ActiveIndex >= len(s.Accounts) {
			return fmt.Errorf("active_index %d out of range [0,%d)", s.ActiveIndex, len(s.Accounts))
		}
		for f, idx := range s.ActiveIndexByFamily {
			if idx < 0 || idx >= len(s.Accounts) {
				return fmt.Errorf("active_index_by_family[%s]=%d out of range", f, idx)
			}
		}
	} else if s.ActiveIndex != 0 {
		return fmt.Errorf("active_index %d with empty pool", s.ActiveIndex)
	}
	return nil
}

type storeFileJSON struct {
	Version             int                   `json:"version"`
	Accounts            []json.RawMessage     `json:"accounts"`
	ActiveIndex         int                   `json:"active_index"`
	ActiveIndexByFamily map[ModelFamily]int   `json:"active_index_by_family,omitempty"`
}

var storeKnownKeys = map[string]bool{
	"version": true, "accounts": true, "active_index": true,
	"active_index_by_family": true,
}

// AccountStore owns the account file. All mutation runs through
// WithinTransaction, which is the single-writer gate for the pool.
type AccountStore struct {
	txMu txLock
	path string
	snap *StoreSnapshot
	now  func() time.Time
}

// txLock is a channel-based mutex so transactions can hold it across the
// persist callback without blocking forever on re-entry mistakes showing
// up as an easy-to-spot deadlock in tests.
type txLock chan struct{}

func newTxLock() txLock {
	l := make(txLock, 1)
	l <- struct{}{}
	return l
}

func (l txLock) lock()   { <-l }
func (l txLock) unlock() { l <- struct{}{} }

// NewAccountStore opens (but does not yet read) the store at path.
func NewAccountStore(path string) *AccountStore {
	return &AccountStore{txMu: newTxLock(), path: path, now: time.Now}
}

// ResolveStorePath picks the account-file location. A non-empty override
// wins. Otherwise the file lives under the user config dir; per-project
// mode namespaces it by a hash of the project root, worktree mode by the
// worktree's absolute path.
func ResolveStorePath(override string, perProject bool, projectRoot string, worktree string) (string, error) {
	if override != "" {
		return confineStorePath(override)
	}
	base := filepath.Join(xdg.ConfigHome, "codex-mux")
	switch {
	case worktree != "":
		abs, err := filepath.Abs(worktree)
		if err != nil {
			return "", err
		}
		return filepath.Join(base, "worktrees", pathNamespace(abs), "accounts.json"), nil
	case perProject:
		root := projectRoot
		if root == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			root = cwd
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", err
		}
		return filepath.Join(base, "projects", pathNamespace(abs), "accounts.json"), nil
	}
	return filepath.Join(base, "accounts.json"), nil
}

func pathNamespace(abs string) string {
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:8])
}

// confineStorePath rejects override paths outside the user home, the
// current project, and the temp dir.
func confineStorePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	roots := []string{os.TempDir()}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, home)
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(rootAbs, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("store path %s outside allowed roots", abs)
}

// Load reads and validates the account file. A missing or empty file is
// an empty pool, not an error. Older schemas are migrated; schemas newer
// than ours are rejected.
func (s *AccountStore) Load() (*StoreSnapshot, error) {
	s.txMu.lock()
	defer s.txMu.unlock()
	snap, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return snap.clone(), nil
}

func (s *AccountStore) loadLocked() (*StoreSnapshot, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return emptySnapshot(), nil
	}
	snap, err := parseStoreFile(raw, s.now())
	if err != nil {
		return nil, &StorageError{Op: "parse", Path: s.path, Err: err}
	}
	return snap, nil
}

func parseStoreFile(raw []byte, now time.Time) (*StoreSnapshot, error) {
	var version struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &version); err != nil {
		return nil, err
	}
	if version.Version > storeVersion {
		return nil, fmt.Errorf("unsupported store version %d (newest known is %d)", version.Version, storeVersion)
	}

	var file storeFileJSON
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	var rawTop map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawTop); err != nil {
		return nil, err
	}

	snap := emptySnapshot()
	snap.ActiveIndex = file.ActiveIndex
	for i, accRaw := range file.Accounts {
		acc := &Account{}
		if err := json.Unmarshal(accRaw, acc); err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		if version.Version <= 1 {
			migrateV1Account(accRaw, acc, now)
		}
		snap.Accounts = append(snap.Accounts, acc)
	}
	if file.ActiveIndexByFamily != nil {
		snap.ActiveIndexByFamily = file.ActiveIndexByFamily
	} else if len(snap.Accounts) > 0 {
		// Older files carried only the global index; seed every family.
		for _, f := range knownFamilies {
			snap.ActiveIndexByFamily[f] = snap.ActiveIndex
		}
	}
	for k, v := range rawTop {
		if storeKnownKeys[k] {
			continue
		}
		if snap.extra == nil {
			snap.extra = map[string]json.RawMessage{}
		}
		snap.extra[k] = v
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// migrateV1Account fans the v1 single reset time out across all known
// families when it is still in the future, and drops it otherwise.
func migrateV1Account(raw json.RawMessage, acc *Account, now time.Time) {
	var v1 struct {
		RateLimitResetTime int64 `json:"rate_limit_reset_time"`
	}
	if err := json.Unmarshal(raw, &v1); err != nil || v1.RateLimitResetTime <= 0 {
		return
	}
	if v1.RateLimitResetTime <= now.UnixMilli() {
		return
	}
	for _, f := range knownFamilies {
		acc.UpdateResetTime(f, v1.RateLimitResetTime)
	}
}

// Save atomically writes the snapshot: temp sibling, fsync, rename. The
// previous file is kept once as a timestamped backup.
func (s *AccountStore) Save(snap *StoreSnapshot) error {
	s.txMu.lock()
	defer s.txMu.unlock()
	return s.saveLocked(snap)
}

func (s *AccountStore) saveLocked(snap *StoreSnapshot) error {
	if err := snap.validate(); err != nil {
		return &StorageError{Op: "validate", Path: s.path, Err: err}
	}
	data, err := encodeStoreFile(snap)
	if err != nil {
		return &StorageError{Op: "encode", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	if prev, err := os.ReadFile(s.path); err == nil {
		backup := s.path + ".bak." + s.now().UTC().Format("20060102T150405")
		if err := os.WriteFile(backup, prev, 0o600); err == nil {
			s.pruneBackupsLocked(backup)
		}
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Path: tmpName, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "fsync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "write", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &StorageError{Op: "rename", Path: s.path, Err: err}
	}
	s.snap = snap.clone()
	return nil
}

// pruneBackupsLocked keeps only the most recent backup.
func (s *AccountStore) pruneBackupsLocked(keep string) {
	matches, err := filepath.Glob(s.path + ".bak.*")
	if err != nil {
		return
	}
	for _, m := range matches {
		if m != keep {
			os.Remove(m)
		}
	}
}

func encodeStoreFile(snap *StoreSnapshot) ([]byte, error) {
	accounts := make([]json.RawMessage, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, raw)
	}
	top := map[string]any{
		"version":      storeVersion,
		"accounts":     accounts,
		"active_index": snap.ActiveIndex,
	}
	if len(snap.ActiveIndexByFamily) > 0 {
		top["active_index_by_family"] = snap.ActiveIndexByFamily
	}
	for k, v := range snap.extra {
		top[k] = v
	}
	return json.MarshalIndent(top, "", "  ")
}

// Clear removes the account file. The last backup is left in place so a
// clear never destroys data irrecoverably.
func (s *AccountStore) Clear() error {
	s.txMu.lock()
	defer s.txMu.unlock()
	s.snap = emptySnapshot()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}

// WithinTransaction runs fn with exclusive access to the current
// snapshot. fn mutates the snapshot in place and calls persist for each
// state that must survive a crash; the gate is held for the whole
// read-modify-write-persist cycle.
func (s *AccountStore) WithinTransaction(fn func(snap *StoreSnapshot, persist func() error) error) error {
	s.txMu.lock()
	defer s.txMu.unlock()
	if s.snap == nil {
		snap, err := s.loadLocked()
		if err != nil {
			return err
		}
		s.snap = snap
	}
	working := s.snap.clone()
	persist := func() error { return s.saveLocked(working) }
	if err := fn(working, persist); err != nil {
		return err
	}
	s.snap = working
	return nil
}

// Snapshot returns a copy of the current in-memory state without touching
// disk. Callers that have not loaded yet get an empty pool.
func (s *AccountStore) Snapshot() *StoreSnapshot {
	s.txMu.lock()
	defer s.txMu.unlock()
	if s.snap == nil {
		return emptySnapshot()
	}
	return s.snap.clone()
}
