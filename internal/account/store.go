package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrNotFound is returned when no record exists for an account id.
var ErrNotFound = errors.New("account not found")

// authFile is the on-disk credential record. Current writers emit the
// nested "tokens" form; the flat legacy form is still accepted on read.
type authFile struct {
	OpenAIAPIKey string      `json:"OPENAI_API_KEY,omitempty"`
	Tokens       *tokenBlock `json:"tokens,omitempty"`
	LastRefresh  string      `json:"last_refresh,omitempty"`

	// Legacy flat layout.
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

type tokenBlock struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id,omitempty"`
}

type metaEntry struct {
	Label   string `json:"label,omitempty"`
	AddedAt int64  `json:"added_at"`
}

// FileStore reads and writes managed accounts under the codex home
// directory: <dir>/auth.json for the CLI-visible account,
// <dir>/accounts/<id>/auth.json per managed account, and
// <dir>/accounts_meta.json for labels.
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

func (s *FileStore) accountsDir() string { return filepath.Join(s.dir, "accounts") }
func (s *FileStore) authPath(id string) string {
	return filepath.Join(s.accountsDir(), id, "auth.json")
}
func (s *FileStore) currentPath() string { return filepath.Join(s.dir, "auth.json") }
func (s *FileStore) metaPath() string    { return filepath.Join(s.dir, "accounts_meta.json") }

// List enumerates all managed accounts with derived claim fields. Corrupt
// records are logged and skipped; the enumeration never aborts.
func (s *FileStore) List() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.accountsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts dir: %w", err)
	}

	meta := s.readMeta()
	var accounts []*Account
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		acct, err := s.loadLocked(id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.Warn("skipping corrupt account record", "id", id, "error", err)
			}
			continue
		}
		if m, ok := meta[id]; ok {
			acct.Label = m.Label
			acct.AddedAt = m.AddedAt
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// Load returns one account including token material.
func (s *FileStore) Load(id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if m, ok := s.readMeta()[id]; ok {
		acct.Label = m.Label
		acct.AddedAt = m.AddedAt
	}
	return acct, nil
}

func (s *FileStore) loadLocked(id string) (*Account, error) {
	data, err := os.ReadFile(s.authPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var af authFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parse auth.json for %s: %w", id, err)
	}
	return accountFromFile(id, &af), nil
}

func accountFromFile(id string, af *authFile) *Account {
	idToken, accessToken, refreshToken := af.IDToken, af.AccessToken, af.RefreshToken
	if af.Tokens != nil {
		idToken, accessToken, refreshToken = af.Tokens.IDToken, af.Tokens.AccessToken, af.Tokens.RefreshToken
	}

	c := DeriveClaims(idToken, accessToken)
	return &Account{
		ID:              id,
		Email:           c.Email,
		Plan:            c.Plan,
		UserID:          c.UserID,
		IDToken:         idToken,
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		ExpiresAt:       c.Exp * 1000,
		LastRefresh:     af.LastRefresh,
		HasRefreshToken: refreshToken != "",
		OpenAIAPIKey:    af.OpenAIAPIKey,
	}
}

// Save atomically replaces the account's record. The nested token form is
// always written; if the CLI-visible auth.json holds the same refresh
// token lineage it is rewritten in lockstep so `codex` keeps working.
func (s *FileStore) Save(id string, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Preserve the account_id recorded by the login flow.
	storedID := s.storedAccountIDLocked(id)
	if storedID == "" {
		storedID = acct.UserID
	}

	af := authFile{
		OpenAIAPIKey: acct.OpenAIAPIKey,
		Tokens: &tokenBlock{
			IDToken:      acct.IDToken,
			AccessToken:  acct.AccessToken,
			RefreshToken: acct.RefreshToken,
			AccountID:    storedID,
		},
		LastRefresh: acct.LastRefresh,
	}

	path := s.authPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := atomicWriteJSON(path, &af); err != nil {
		return fmt.Errorf("save account %s: %w", id, err)
	}

	s.mirrorCurrentLocked(&af)
	return nil
}

// storedAccountIDLocked re-reads the raw file to recover tokens.account_id,
// which is not derivable from claims alone.
func (s *FileStore) storedAccountIDLocked(id string) string {
	data, err := os.ReadFile(s.authPath(id))
	if err != nil {
		return ""
	}
	var af authFile
	if json.Unmarshal(data, &af) != nil {
		return ""
	}
	if af.Tokens != nil && af.Tokens.AccountID != "" {
		return af.Tokens.AccountID
	}
	return af.AccountID
}

// mirrorCurrentLocked rewrites <dir>/auth.json when it belongs to the same
// account (matched by refresh token lineage or stored account id).
func (s *FileStore) mirrorCurrentLocked(af *authFile) {
	data, err := os.ReadFile(s.currentPath())
	if err != nil {
		return
	}
	var current authFile
	if json.Unmarshal(data, &current) != nil {
		return
	}
	currID, currRefresh := current.AccountID, current.RefreshToken
	if current.Tokens != nil {
		currID, currRefresh = current.Tokens.AccountID, current.Tokens.RefreshToken
	}
	match := (af.Tokens.AccountID != "" && af.Tokens.AccountID == currID) ||
		(currRefresh != "" && currRefresh == af.Tokens.RefreshToken)
	if match {
		_ = atomicWriteJSON(s.currentPath(), af)
	}
}

// Delete removes the account's directory and meta entry. Deleting an
// absent account is a no-op.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.accountsDir(), id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	meta := s.readMeta()
	if _, ok := meta[id]; ok {
		delete(meta, id)
		s.writeMeta(meta)
	}
	return nil
}

// UpdateLabel sets or clears the human label for an account.
func (s *FileStore) UpdateLabel(id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.readMeta()
	entry, ok := meta[id]
	if !ok {
		entry = metaEntry{AddedAt: s.now().UnixMilli()}
	}
	entry.Label = label
	meta[id] = entry
	return s.writeMeta(meta)
}

// ImportCurrent copies the CLI-visible auth.json into the managed pool
// under a filesystem-safe id and records its meta entry. Returns the new
// account id.
func (s *FileStore) ImportCurrent(label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.currentPath())
	if os.IsNotExist(err) {
		return "", fmt.Errorf("no auth.json found, login first: %w", ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	var af authFile
	if err := json.Unmarshal(data, &af); err != nil {
		return "", fmt.Errorf("parse current auth.json: %w", err)
	}
	acct := accountFromFile("current", &af)

	id := ""
	if af.Tokens != nil {
		id = af.Tokens.AccountID
	}
	if id == "" {
		id = af.AccountID
	}
	if id == "" {
		id = acct.UserID
	}
	if id == "" {
		id = "acc_tmp"
	}
	id = SafeID(id)

	path := s.authPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}

	meta := s.readMeta()
	meta[id] = metaEntry{Label: label, AddedAt: s.now().UnixMilli()}
	if err := s.writeMeta(meta); err != nil {
		return "", err
	}
	return id, nil
}

// Switch makes a managed account the CLI-visible one.
func (s *FileStore) Switch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.authPath(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return atomicWrite(s.currentPath(), data)
}

// CodexConfig is the read-only passthrough of ~/.codex/config.toml with a
// best-effort parsed summary.
type CodexConfig struct {
	Raw           string `json:"raw"`
	Model         string `json:"model,omitempty"`
	ModelProvider string `json:"model_provider,omitempty"`
}

// Config reads the codex CLI's config.toml. A missing file yields an empty
// config; a file that fails TOML decoding still returns its raw contents.
func (s *FileStore) Config() (*CodexConfig, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "config.toml"))
	if os.IsNotExist(err) {
		return &CodexConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := &CodexConfig{Raw: string(raw)}
	var parsed struct {
		Model         string `toml:"model"`
		ModelProvider string `toml:"model_provider"`
	}
	if toml.Unmarshal(raw, &parsed) == nil {
		cfg.Model = parsed.Model
		cfg.ModelProvider = parsed.ModelProvider
	}
	return cfg, nil
}

func (s *FileStore) readMeta() map[string]metaEntry {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		return map[string]metaEntry{}
	}
	meta := map[string]metaEntry{}
	if json.Unmarshal(data, &meta) != nil {
		return map[string]metaEntry{}
	}
	return meta
}

func (s *FileStore) writeMeta(meta map[string]metaEntry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.metaPath(), data)
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// atomicWrite replaces path via temp file + rename so a crash never leaves
// a half-written credential record.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
