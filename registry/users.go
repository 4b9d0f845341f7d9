// Package registry provides the two small persistent JSON registries the
// server depends on: registered users (username -> public key) and
// outstanding invite tokens (token -> issuance time). Both are whole-file
// JSON objects, loaded once at startup and flushed on every mutation.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// usernamePattern matches the username grammar from the protocol: 1-32
// characters of letters, digits, and underscore.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// ValidUsername reports whether name satisfies the wire grammar for HELLO
// and REGISTER usernames.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Users is the persistent username -> public-key registry.
type Users struct {
	mu    sync.Mutex
	path  string
	byKey map[string]string // username -> base64 public key
}

// LoadUsers opens (or creates) the user registry at path.
func LoadUsers(path string) (*Users, error) {
	u := &Users{path: path, byKey: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := u.flushLocked(); err != nil {
			return nil, fmt.Errorf("[registry] init users file: %w", err)
		}
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[registry] read users file: %w", err)
	}
	if len(data) == 0 {
		return u, nil
	}
	if err := json.Unmarshal(data, &u.byKey); err != nil {
		return nil, fmt.Errorf("[registry] parse users file: %w", err)
	}
	log.Printf("[registry] loaded %d users from %s", len(u.byKey), path)
	return u, nil
}

// Register inserts (name, pubKeyB64) if name is not already taken. Returns
// false without modifying the registry if the username is already present.
func (u *Users) Register(name, pubKeyB64 string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.byKey[name]; exists {
		return false, nil
	}
	u.byKey[name] = pubKeyB64
	if err := u.flushLocked(); err != nil {
		delete(u.byKey, name)
		return false, err
	}
	return true, nil
}

// PubKey returns the stored public key for name, or "" if name is unknown.
func (u *Users) PubKey(name string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byKey[name]
}

// Exists reports whether name is registered.
func (u *Users) Exists(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.byKey[name]
	return ok
}

// List returns every registered username, unsorted.
func (u *Users) List() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.byKey))
	for name := range u.byKey {
		out = append(out, name)
	}
	return out
}

// flushLocked writes the current contents to disk with write-then-rename so
// a crash mid-write never leaves a truncated registry. Caller must hold mu.
func (u *Users) flushLocked() error {
	return writeJSONAtomic(u.path, u.byKey)
}

// writeJSONAtomic pretty-prints v to a temp file in dir(path) and renames it
// over path, so readers never observe a partially-written file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
