package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vqtran/scanpipe/internal/domain"
)

// Store is a content-addressed file store on local disk. Files are stored
// under <root>/<first two checksum bytes>/<checksum>, so the stored
// reference doubles as the content checksum.
type Store struct {
	root   string
	logger *slog.Logger
}

// SavedFile describes a stored upload.
type SavedFile struct {
	StoredRef string
	Size      int64
	Checksum  string
}

// New creates a file store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: storage root is required", domain.ErrStorage)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: failed to create storage root: %v", domain.ErrStorage, err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Save copies src into the store, returning its content address, size and
// checksum. Saving the same content twice is a no-op that returns the same
// reference.
func (s *Store) Save(src io.Reader, originalName string) (*SavedFile, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temp file: %v", domain.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write upload: %v", domain.ErrStorage, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: failed to close temp file: %v", domain.ErrStorage, closeErr)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	ref := filepath.Join(checksum[:2], checksum)
	dest := filepath.Join(s.root, ref)

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, fmt.Errorf("%w: failed to create bucket dir: %v", domain.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("%w: failed to place file: %v", domain.ErrStorage, err)
	}

	s.logger.Debug("File stored",
		slog.String("original_name", originalName),
		slog.String("stored_ref", ref),
		slog.Int64("size", size),
	)

	return &SavedFile{
		StoredRef: ref,
		Size:      size,
		Checksum:  checksum,
	}, nil
}

// Path resolves a stored reference to an absolute filesystem path.
func (s *Store) Path(storedRef string) string {
	return filepath.Join(s.root, storedRef)
}

// Exists reports whether the stored reference still resolves to a file.
func (s *Store) Exists(storedRef string) (bool, error) {
	_, err := os.Stat(s.Path(storedRef))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: failed to stat file: %v", domain.ErrStorage, err)
}

// Read returns the full content of a stored file.
func (s *Store) Read(storedRef string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(storedRef))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrFileMissing
		}
		return nil, fmt.Errorf("%w: failed to read file: %v", domain.ErrStorage, err)
	}
	return data, nil
}

// Delete removes a stored file. Deleting a missing file is not an error.
func (s *Store) Delete(storedRef string) error {
	err := os.Remove(s.Path(storedRef))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to delete file: %v", domain.ErrStorage, err)
	}
	return nil
}
