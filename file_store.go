package sagastream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore provides a file-based implementation of RequestStore that
// persists step inputs as JSON files on disk, so compensations survive a
// process restart without an external store.
type FileStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
	now      func() time.Time
}

type fileRecord struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// NewFileStore creates a new file-based store that saves requests to the
// specified directory.
func NewFileStore(basePath string) (*FileStore, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		basePath: basePath,
		now:      time.Now,
	}, nil
}

// Set persists value to a JSON file.
func (f *FileStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := fileRecord{Key: key, Value: value}
	if ttl > 0 {
		rec.ExpiresAt = f.now().Add(ttl)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	// Write next to the target and rename so readers never see a partial file.
	filename := f.filename(key)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write request file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to write request file: %w", err)
	}

	return nil
}

// Get retrieves a value from its JSON file. Expired files are removed.
func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(key)
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("request %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read request file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("failed to unmarshal request: %w", err)
	}

	if !rec.ExpiresAt.IsZero() && !f.now().Before(rec.ExpiresAt) {
		_ = os.Remove(filename)
		return "", fmt.Errorf("request %s: %w", key, ErrNotFound)
	}

	return rec.Value, nil
}

// Delete removes the request file.
func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(key)); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete request file: %w", err)
	}

	return nil
}

// filename returns the full path for a key's file. Keys contain separators,
// so they are encoded.
func (f *FileStore) filename(key string) string {
	return filepath.Join(f.basePath, base64.RawURLEncoding.EncodeToString([]byte(key))+".json")
}
