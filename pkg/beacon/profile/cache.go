package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFilename is the cache file name inside the data directory.
const DefaultFilename = "visitor_profile.json"

// FileCache persists the last good profile to a single file.
// Writes go to a temp file in the same directory and are renamed into
// place, so readers never observe a partial document.
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache returns a cache at path. The directory is created on
// first save.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Path returns the cache file path.
func (c *FileCache) Path() string {
	return c.path
}

// Load reads the cached profile. A missing file returns (nil, nil).
func (c *FileCache) Load() (*Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile cache: %w", err)
	}
	return Decode(data)
}

// Save replaces the cached profile.
func (c *FileCache) Save(p *Profile) error {
	data, err := Encode(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".profile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write profile cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync profile cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close profile cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace profile cache: %w", err)
	}
	return nil
}
