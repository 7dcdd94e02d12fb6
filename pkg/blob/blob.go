// Package blob stores uploaded documents and stage assets behind opaque refs.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// Asset is a binary artifact to store, such as an uploaded document or a
// narration audio file.
type Asset struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Store saves and loads blobs. Refs returned by Store are opaque to callers.
type Store interface {
	// Fetch returns the bytes behind ref, or ErrNotFound.
	Fetch(ctx context.Context, ref string) ([]byte, error)

	// Store saves the asset under a fresh ref and returns it.
	Store(ctx context.Context, a Asset) (string, error)
}

// NewRef builds a unique ref of the form <scope>/<uuid>_<name>.
func NewRef(scope, name string) string {
	clean := SanitizeName(name)
	id := uuid.NewString()
	if scope = strings.Trim(scope, "/"); scope == "" {
		return id + "_" + clean
	}
	return path.Join(scope, id+"_"+clean)
}

// SanitizeName reduces a file name to a safe base name.
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "blob"
	}
	return out
}

func validRef(ref string) error {
	clean := path.Clean(ref)
	if ref == "" || strings.HasPrefix(clean, "..") || strings.HasPrefix(clean, "/") {
		return fmt.Errorf("invalid blob ref %q: %w", ref, lrerrors.ErrValidation)
	}
	return nil
}

// MemoryStore keeps blobs in process.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, lrerrors.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Store(ctx context.Context, a Asset) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := NewRef("", a.Name)
	m.mu.Lock()
	m.blobs[ref] = append([]byte(nil), a.Data...)
	m.mu.Unlock()
	return ref, nil
}

var _ Store = (*MemoryStore)(nil)
