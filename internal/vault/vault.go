// Package vault stores server-encrypted credential blobs for the local
// agent. The file format is fixed: a UTF-8 JSON object
// {"version":"1","credentials":{KEY:"srv:<blob>"}}. Values never leave the
// vault through enumeration; List returns key names only.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dotbot-ai/dotbot/internal/observability"
)

// Version is the only supported vault file version. Anything else reads as
// an empty vault rather than an error, so a corrupted file never locks the
// agent out of writing fresh credentials.
const Version = "1"

// BlobPrefix marks a value as server-encrypted. Set rejects values without
// it so plaintext can never land on disk by accident.
const BlobPrefix = "srv:"

// ErrPlaintextValue is returned by Set for values missing the blob prefix.
var ErrPlaintextValue = errors.New("vault: value is not a server-encrypted blob")

type fileFormat struct {
	Version     string            `json:"version"`
	Credentials map[string]string `json:"credentials"`
}

// Vault is a read-through cached credential file. One Vault owns one path;
// no two writers may share a path.
type Vault struct {
	path string
	log  *observability.Logger

	mu      sync.Mutex
	cache   map[string]string
	loaded  bool
	watcher *fsnotify.Watcher
}

// Open returns a vault over the given file path, watching it for external
// writes so the cache never serves stale reads. The file need not exist
// yet. logger may be nil.
func Open(path string, logger *observability.Logger) (*Vault, error) {
	v := &Vault{path: path, log: logger}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("vault: create dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("vault: watcher: %w", err)
	}
	// Watch the directory, not the file: rename-and-replace writes swap
	// the inode and a file watch would die with the old one.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("vault: watch %s: %w", filepath.Dir(path), err)
	}
	v.watcher = watcher
	go v.watch()
	return v, nil
}

// Close releases the file watcher.
func (v *Vault) Close() error {
	if v.watcher != nil {
		return v.watcher.Close()
	}
	return nil
}

func (v *Vault) watch() {
	base := filepath.Base(v.path)
	for {
		select {
		case ev, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			v.mu.Lock()
			v.loaded = false
			v.cache = nil
			v.mu.Unlock()
		case _, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Get returns the blob stored under key, or "" and false.
func (v *Vault) Get(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.loadLocked(); err != nil {
		return "", false
	}
	val, ok := v.cache[key]
	return val, ok
}

// Has reports whether key is present.
func (v *Vault) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// List returns the stored key names, sorted. Values are never included.
func (v *Vault) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.loadLocked(); err != nil {
		return nil
	}
	keys := make([]string, 0, len(v.cache))
	for k := range v.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores a server-encrypted blob under key, replacing any previous
// value.
func (v *Vault) Set(key, value string) error {
	if key == "" {
		return errors.New("vault: empty key")
	}
	if !strings.HasPrefix(value, BlobPrefix) {
		return ErrPlaintextValue
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.loadLocked(); err != nil {
		return err
	}
	v.cache[key] = value
	return v.flushLocked()
}

// Delete removes key and reports whether it was present.
func (v *Vault) Delete(key string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.loadLocked(); err != nil {
		return false, err
	}
	if _, ok := v.cache[key]; !ok {
		return false, nil
	}
	delete(v.cache, key)
	if err := v.flushLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// loadLocked fills the cache from disk if it is not already loaded.
// Malformed JSON or a version mismatch reads as empty.
func (v *Vault) loadLocked() error {
	if v.loaded {
		return nil
	}
	v.cache = map[string]string{}
	v.loaded = true

	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vault: read: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil || f.Version != Version {
		if v.log != nil {
			v.log.Warn(context.Background(), "vault file unreadable, treating as empty",
				"path", v.path, "version", f.Version)
		}
		return nil
	}
	for k, val := range f.Credentials {
		v.cache[k] = val
	}
	return nil
}

// flushLocked writes the cache with rename-and-replace so readers never see
// a torn file.
func (v *Vault) flushLocked() error {
	f := fileFormat{Version: Version, Credentials: v.cache}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(v.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vault: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vault: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: close: %w", err)
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: replace: %w", err)
	}
	return nil
}
