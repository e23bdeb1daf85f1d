package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"southwinds.dev/keyforge/internal/debug"
	"southwinds.dev/keyforge/internal/misc"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	secretSuffix = ".secret.json"
	saltFile     = "derivation.salt"
)

// FileSystemStore implements Store on the local filesystem. Every secret is
// one JSON file under basePath/secrets; writes go through a temp file plus
// rename so a crash never leaves a half-written record behind.
type FileSystemStore struct {
	mu         sync.Mutex
	basePath   string
	secretsDir string
	tempDir    string
	saltPath   string
}

// NewFileSystemStore initializes the directory layout under basePath and
// returns a ready-to-use store.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:   basePath,
		secretsDir: filepath.Join(basePath, "secrets"),
		tempDir:    filepath.Join(basePath, "temp"),
		saltPath:   filepath.Join(basePath, saltFile),
	}

	for _, dir := range []string{fs.basePath, fs.secretsDir, fs.tempDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return fs, nil
}

// secretPath maps a secret name to a filesystem-safe file name. Names may
// contain path separators, so they are base64url-encoded.
func (fs *FileSystemStore) secretPath(name string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(name))
	return filepath.Join(fs.secretsDir, encoded+secretSuffix)
}

func (fs *FileSystemStore) SaveSecret(name string, record *Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeRecord(name, record)
}

func (fs *FileSystemStore) writeRecord(name string, record *Record) error {
	stored := record.Clone()
	stored.Name = name
	stored.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// Atomic write: temp file in the same tree, then rename over the target.
	tmp, err := os.CreateTemp(fs.tempDir, "secret-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err = tmp.Chmod(FilePermissions); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync record: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Rename(tmpName, fs.secretPath(name)); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	debug.Print("writeRecord: committed %d bytes to %s\n", len(data), fs.secretPath(name))
	return nil
}

func (fs *FileSystemStore) LoadSecret(name string) (*Record, error) {
	debug.Print("LoadSecret: reading %s\n", fs.secretPath(name))
	data, err := os.ReadFile(fs.secretPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var record Record
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", name, err)
	}
	return &record, nil
}

func (fs *FileSystemStore) RotateSecret(name string, record *Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := os.Stat(fs.secretPath(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("failed to stat record: %w", err)
	}
	return fs.writeRecord(name, record)
}

func (fs *FileSystemStore) ListSecrets() ([]string, error) {
	entries, err := os.ReadDir(fs.secretsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), secretSuffix) {
			continue
		}
		encoded := strings.TrimSuffix(entry.Name(), secretSuffix)
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			// Skip foreign files rather than failing the listing.
			continue
		}
		names = append(names, string(decoded))
	}
	return names, nil
}

func (fs *FileSystemStore) DeleteSecret(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.secretPath(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) SecretExists(name string) (bool, error) {
	_, err := os.Stat(fs.secretPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fs *FileSystemStore) SaveSalt(salt []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(salt) < misc.SaltSize {
		return fmt.Errorf("salt too short: %d bytes", len(salt))
	}
	if err := os.WriteFile(fs.saltPath, salt, FilePermissions); err != nil {
		return fmt.Errorf("failed to save salt: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) LoadSalt() ([]byte, error) {
	data, err := os.ReadFile(fs.saltPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	_, err := os.Stat(fs.saltPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error { return nil }

func (fs *FileSystemStore) GetType() string { return "filesystem" }
