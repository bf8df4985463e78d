package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"authvault/internal/config"
)

// LocalStorage implements ArtifactStorage on the local file system. It is the
// authoritative store for listing and retention; remote providers mirror it.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a local artifact store rooted at the configured
// base path, creating it if necessary.
func NewLocalStorage(cfg config.LocalStorageConfig) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, NewValidationError("local storage base path is required", nil)
	}

	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, NewStorageError("failed to create storage base directory", err)
	}

	return &LocalStorage{basePath: cfg.BasePath}, nil
}

// Name implements ArtifactStorage
func (ls *LocalStorage) Name() string {
	return "local"
}

// BasePath returns the storage root directory
func (ls *LocalStorage) BasePath() string {
	return ls.basePath
}

// StoreArtifact writes an artifact file into the set directory
func (ls *LocalStorage) StoreArtifact(ctx context.Context, setID, filename string, data []byte) (string, error) {
	if setID == "" {
		return "", NewValidationError("set ID cannot be empty", nil)
	}

	setDir := ls.setDirectory(setID)
	if err := os.MkdirAll(setDir, 0755); err != nil {
		return "", NewStorageError("failed to create backup set directory", err)
	}

	path := filepath.Join(setDir, filename)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", NewStorageError("failed to write artifact file", err)
	}

	return path, nil
}

// RetrieveArtifact reads an artifact file from the set directory
func (ls *LocalStorage) RetrieveArtifact(ctx context.Context, setID, filename string) ([]byte, error) {
	path := filepath.Join(ls.setDirectory(setID), filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(fmt.Sprintf("artifact %s not found in backup %s", filename, setID), err)
		}
		return nil, NewStorageError("failed to read artifact file", err)
	}

	return data, nil
}

// StoreSetMetadata writes the set's metadata.json
func (ls *LocalStorage) StoreSetMetadata(ctx context.Context, set *Set) error {
	if set == nil {
		return NewValidationError("backup set cannot be nil", nil)
	}

	setDir := ls.setDirectory(set.ID)
	if err := os.MkdirAll(setDir, 0755); err != nil {
		return NewStorageError("failed to create backup set directory", err)
	}

	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return NewStorageError("failed to serialize set metadata", err)
	}

	path := filepath.Join(setDir, "metadata.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return NewStorageError("failed to write set metadata", err)
	}

	return nil
}

// RetrieveSetMetadata loads one set's metadata.json
func (ls *LocalStorage) RetrieveSetMetadata(ctx context.Context, setID string) (*Set, error) {
	if setID == "" {
		return nil, NewValidationError("set ID cannot be empty", nil)
	}

	path := filepath.Join(ls.setDirectory(setID), "metadata.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", setID), err)
		}
		return nil, NewStorageError("failed to read set metadata", err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, NewStorageError("failed to unmarshal set metadata", err)
	}

	return &set, nil
}

// ListSets returns metadata for every stored set, newest first
func (ls *LocalStorage) ListSets(ctx context.Context) ([]*Set, error) {
	var sets []*Set

	err := filepath.WalkDir(ls.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == ls.basePath {
			return nil
		}

		metadataPath := filepath.Join(path, "metadata.json")
		if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
			return nil
		}

		data, err := os.ReadFile(metadataPath)
		if err != nil {
			// Skip unreadable sets and keep listing the rest
			return fs.SkipDir
		}

		var set Set
		if err := json.Unmarshal(data, &set); err != nil {
			return fs.SkipDir
		}

		sets = append(sets, &set)
		return fs.SkipDir
	})
	if err != nil {
		return nil, NewStorageError("failed to list backup sets", err)
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].CreatedAt.After(sets[j].CreatedAt)
	})

	return sets, nil
}

// DeleteSet removes the set directory and everything in it
func (ls *LocalStorage) DeleteSet(ctx context.Context, setID string) error {
	if setID == "" {
		return NewValidationError("set ID cannot be empty", nil)
	}

	setDir := ls.setDirectory(setID)
	if _, err := os.Stat(setDir); os.IsNotExist(err) {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", setID), err)
	}

	if err := os.RemoveAll(setDir); err != nil {
		return NewStorageError("failed to delete backup set directory", err)
	}

	return nil
}

// HealthCheck verifies the base directory is writable
func (ls *LocalStorage) HealthCheck(ctx context.Context) error {
	testFile := filepath.Join(ls.basePath, ".health_check")

	if err := os.WriteFile(testFile, []byte("health_check"), 0644); err != nil {
		return NewStorageError("local storage health check failed: cannot write to base directory", err)
	}

	if _, err := os.ReadFile(testFile); err != nil {
		return NewStorageError("local storage health check failed: cannot read from base directory", err)
	}

	os.Remove(testFile)
	return nil
}

func (ls *LocalStorage) setDirectory(setID string) string {
	return filepath.Join(ls.basePath, sanitizeSetID(setID))
}

// sanitizeSetID removes path separators so a set ID cannot escape the base
// directory.
func sanitizeSetID(setID string) string {
	sanitized := strings.ReplaceAll(setID, "/", "_")
	sanitized = strings.ReplaceAll(sanitized, "\\", "_")
	sanitized = strings.ReplaceAll(sanitized, "..", "_")
	return sanitized
}
