package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a store rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// Fetch reads the file behind ref.
func (s *LocalStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validRef(ref); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", ref, lrerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w: %w", ref, lrerrors.ErrStorageUnavailable, err)
	}
	return data, nil
}

// Store writes the asset under a fresh ref.
func (s *LocalStore) Store(ctx context.Context, a Asset) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := NewRef("", a.Name)
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(a.Data)); err != nil {
		return "", fmt.Errorf("write body: %w", err)
	}
	return ref, nil
}

var _ Store = (*LocalStore)(nil)
