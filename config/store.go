package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "knocker"
	// profilesFileName is the persisted profile collection.
	profilesFileName = "profiles.yaml"
	// dataDirEnv overrides the data directory when set.
	dataDirEnv = "KNOCKER_DATA_DIR"
)

// ResolveDataDir returns the OS-aware app data directory.
//
// If KNOCKER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ProfilesPath returns the full path to profiles.yaml for a data directory.
func ProfilesPath(dataDir string) string {
	return filepath.Join(dataDir, profilesFileName)
}

// Store is a file-backed profile collection safe for concurrent use. It is
// the profile source a knock session reads from, and it notifies subscribers
// whenever the collection changes.
type Store struct {
	path string

	mu       sync.RWMutex
	profiles map[string]*Profile

	subMu       sync.Mutex
	subscribers map[string]func()
}

// OpenDefaultStore opens the profile store in the OS-aware data directory,
// creating the directory on first run.
func OpenDefaultStore() (*Store, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", dataDir, err)
	}
	return OpenStore(ProfilesPath(dataDir))
}

// OpenStore opens a profile store at path. A missing or empty file yields an
// empty collection; a malformed file is an error.
func OpenStore(path string) (*Store, error) {
	store := &Store{
		path:        path,
		profiles:    make(map[string]*Profile),
		subscribers: make(map[string]func()),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("read profiles %q: %w", path, err)
	}

	profiles, err := ParseProfiles(raw)
	if err != nil {
		if errors.Is(err, ErrNoProfilesFound) {
			return store, nil
		}
		return nil, err
	}
	store.profiles = profiles
	return store, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Profile returns a copy of the named profile. An empty name falls back to
// the profile named "default".
func (s *Store) Profile(name string) (*Profile, error) {
	if name == "" {
		name = "default"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return profile.Clone(), nil
}

// List returns profile summaries sorted by name, without key material.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.profiles))
	for name, profile := range s.profiles {
		entries = append(entries, Entry{
			Name:          name,
			ServerHost:    profile.ServerHost,
			ServerUDPPort: profile.ServerUDPPort,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Put validates and stores a profile under name, persisting the collection.
func (s *Store) Put(name string, profile *Profile) error {
	if err := profile.Validate(name); err != nil {
		return err
	}

	s.mu.Lock()
	s.profiles[name] = profile.Clone()
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// Delete removes the named profile and persists the collection.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	if _, ok := s.profiles[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	delete(s.profiles, name)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// Subscribe registers a callback invoked after every collection change. The
// returned cancel function removes the subscription.
func (s *Store) Subscribe(fn func()) (cancel func()) {
	token := uuid.NewString()

	s.subMu.Lock()
	s.subscribers[token] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, token)
		s.subMu.Unlock()
	}
}

// saveLocked writes the collection with 0600 permissions; it contains
// private keys. Callers hold s.mu.
func (s *Store) saveLocked() error {
	text, err := SerializeProfiles(s.profiles)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, text, 0o600); err != nil {
		return fmt.Errorf("write profiles %q: %w", s.path, err)
	}
	return nil
}

func (s *Store) notify() {
	s.subMu.Lock()
	callbacks := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.subMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
