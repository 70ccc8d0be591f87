package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/IBM/taxinomitis/internal/models"
)

const (
	StatusFileName     = "status"
	DownloadFolderName = "download"
)

var (
	// ErrIO wraps every filesystem failure reported by the store
	ErrIO = errors.New("artifact storage failure")
	// ErrInvalidKey is returned for keys that cannot name a folder safely
	ErrInvalidKey = errors.New("invalid model key")
	// ErrFolderMissing is returned when writing into a key whose folder has been deleted
	ErrFolderMissing = errors.New("model folder does not exist")
)

// ArtifactStore owns the on-disk layout of saved models: one folder per
// model key holding the status file, working files and a download folder.
type ArtifactStore struct {
	root string
}

// NewArtifactStore prepares the root folder for saved models
func NewArtifactStore(root string) (*ArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create models folder: %v", ErrIO, err)
	}
	return &ArtifactStore{root: root}, nil
}

func (s *ArtifactStore) Root() string {
	return s.root
}

// ValidateKey rejects keys that would escape the models folder
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case key == "." || key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, key)
	}
	return nil
}

// LocationOf returns the folder for a model key. It does no I/O.
func (s *ArtifactStore) LocationOf(key string) string {
	return filepath.Join(s.root, key)
}

// DownloadLocation returns the folder of client-facing artifacts for a key
func (s *ArtifactStore) DownloadLocation(key string) string {
	return filepath.Join(s.LocationOf(key), DownloadFolderName)
}

func (s *ArtifactStore) statusLocation(key string) string {
	return filepath.Join(s.LocationOf(key), StatusFileName)
}

// Exists reports whether a folder is present for the key
func (s *ArtifactStore) Exists(key string) bool {
	info, err := os.Stat(s.LocationOf(key))
	return err == nil && info.IsDir()
}

// PrepareCleanFolder deletes anything left from a previous model for the
// key and creates an empty folder in its place.
func (s *ArtifactStore) PrepareCleanFolder(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	folder := s.LocationOf(key)
	if err := RecursiveDelete(folder); err != nil {
		return "", fmt.Errorf("%w: clear %s: %v", ErrIO, folder, err)
	}
	if err := os.Mkdir(folder, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrIO, folder, err)
	}
	return folder, nil
}

// DeleteAll removes the key's folder. Deleting a missing folder is not an error.
func (s *ArtifactStore) DeleteAll(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := RecursiveDelete(s.LocationOf(key)); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrIO, key, err)
	}
	return nil
}

// WriteStatus replaces the key's status file. If the folder has already been
// removed (the model was evicted while training) the write is skipped.
func (s *ArtifactStore) WriteStatus(key string, info models.ModelInfo) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := models.EncodeStatus(info)
	if err != nil {
		return err
	}

	folder := s.LocationOf(key)
	tmp, err := os.CreateTemp(folder, ".status-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: write status for %s: %v", ErrIO, key, err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(tmpName)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: write status for %s: %v", ErrIO, key, err)
	}

	if err := os.Rename(tmpName, s.statusLocation(key)); err != nil {
		os.Remove(tmpName)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: write status for %s: %v", ErrIO, key, err)
	}
	return nil
}

// ReadStatus loads the persisted ledger entry for a key. A key with no
// status file is reported as absent, not as an error.
func (s *ArtifactStore) ReadStatus(key string) (models.ModelInfo, bool, error) {
	if err := ValidateKey(key); err != nil {
		return models.ModelInfo{}, false, err
	}
	data, err := os.ReadFile(s.statusLocation(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ModelInfo{}, false, nil
		}
		return models.ModelInfo{}, false, fmt.Errorf("%w: read status for %s: %v", ErrIO, key, err)
	}
	info, err := models.DecodeStatus(data)
	if err != nil {
		return models.ModelInfo{}, false, fmt.Errorf("corrupt status for %s: %w", key, err)
	}
	return info, true, nil
}

// ListKeys returns the keys of every model folder under the root
func (s *ArtifactStore) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %v", ErrIO, err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() && ValidateKey(entry.Name()) == nil {
			keys = append(keys, entry.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// CreateDownloadFolder makes sure the download folder exists inside an
// existing model folder. It never recreates a deleted model folder.
func (s *ArtifactStore) CreateDownloadFolder(key string) (string, error) {
	return s.createSubfolder(key, DownloadFolderName, false)
}

// CreateWorkingFolder returns an empty working folder with the given name
// inside an existing model folder, clearing out any earlier contents.
func (s *ArtifactStore) CreateWorkingFolder(key, name string) (string, error) {
	if name == DownloadFolderName || name == StatusFileName {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidKey, name)
	}
	return s.createSubfolder(key, name, true)
}

func (s *ArtifactStore) createSubfolder(key, name string, clean bool) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if !s.Exists(key) {
		return "", fmt.Errorf("%w: %s", ErrFolderMissing, key)
	}
	folder := filepath.Join(s.LocationOf(key), name)
	if clean {
		if err := RecursiveDelete(folder); err != nil {
			return "", fmt.Errorf("%w: clear %s: %v", ErrIO, folder, err)
		}
	}
	if err := os.Mkdir(folder, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFolderMissing, key)
		}
		return "", fmt.Errorf("%w: create %s: %v", ErrIO, folder, err)
	}
	return folder, nil
}

// PruneWorkingFiles deletes everything in the key's folder apart from the
// status file and the download folder.
func (s *ArtifactStore) PruneWorkingFiles(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.LocationOf(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: list %s: %v", ErrIO, key, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if (entry.IsDir() && name == DownloadFolderName) || (!entry.IsDir() && name == StatusFileName) {
			continue
		}
		if err := RecursiveDelete(filepath.Join(s.LocationOf(key), name)); err != nil {
			return fmt.Errorf("%w: prune %s: %v", ErrIO, key, err)
		}
	}
	return nil
}

// RecursiveDelete removes a file or folder tree of any depth. A missing
// target counts as already deleted.
func RecursiveDelete(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
