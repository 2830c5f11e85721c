// Package localstore provides a small key/value blob store with a byte
// quota, modelled on browser localStorage. Values are kept one file per key
// and compressed with zstd.
package localstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultQuota matches the per-origin limit most browsers apply.
const DefaultQuota = 5 * 1024 * 1024

var (
	// ErrQuotaExceeded is returned when a write would push the total stored
	// size past the quota.
	ErrQuotaExceeded = errors.New("local storage quota exceeded")

	// ErrCorrupted is returned when a stored value cannot be decoded.
	ErrCorrupted = errors.New("local storage value corrupted")
)

// Storage is a directory-backed store. Quota accounting is done on the
// uncompressed value length, the same way a browser counts string length.
type Storage struct {
	dir   string
	quota int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	sizes map[string]int64 // by file name
}

// Open creates dir if needed and indexes the values already stored in it.
// A quota <= 0 selects DefaultQuota.
func Open(dir string, quota int64) (*Storage, error) {
	if quota <= 0 {
		quota = DefaultQuota
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Storage{
		dir:     dir,
		quota:   quota,
		encoder: encoder,
		decoder: decoder,
		sizes:   make(map[string]int64),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// GetItem returns the value stored under key.
func (s *Storage) GetItem(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}

	value, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %q: %v", ErrCorrupted, key, err)
	}
	return value, true, nil
}

// SetItem stores value under key, replacing any previous value.
func (s *Storage) SetItem(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(value))
	name := fileName(key)
	if s.used()-s.sizes[name]+size > s.quota {
		return ErrQuotaExceeded
	}

	if err := s.writeFile(s.path(key), s.encoder.EncodeAll(value, nil)); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	s.sizes[name] = size
	return nil
}

// RemoveItem deletes key. Removing a missing key is not an error.
func (s *Storage) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	delete(s.sizes, fileName(key))
	return nil
}

// Used returns the number of bytes counted against the quota.
func (s *Storage) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.used()
}

// Quota returns the configured byte quota.
func (s *Storage) Quota() int64 {
	return s.quota
}

func (s *Storage) used() int64 {
	var total int64
	for _, n := range s.sizes {
		total += n
	}
	return total
}

// fileName hashes key so any string is a valid file name.
func fileName(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:16]) + ".zst"
}

func (s *Storage) path(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

// scan rebuilds the size index from the files on disk. Unreadable files
// are dropped.
func (s *Storage) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read storage directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".zst") {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		value, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			os.Remove(path)
			continue
		}
		s.sizes[name] = int64(len(value))
	}
	return nil
}

func (s *Storage) writeFile(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, path)
}

// Close releases the compression resources.
func (s *Storage) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}
