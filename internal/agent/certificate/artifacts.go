package certificate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ArtifactStore keeps rendered certificate documents.
type ArtifactStore interface {
	Put(ctx context.Context, id string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

const memScheme = "mem://"

// MemoryArtifacts keeps artifacts in memory under mem://<id>.
type MemoryArtifacts struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryArtifacts() *MemoryArtifacts {
	return &MemoryArtifacts{blobs: make(map[string][]byte)}
}

func (m *MemoryArtifacts) Put(_ context.Context, id string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = append([]byte(nil), data...)
	return memScheme + id, nil
}

func (m *MemoryArtifacts) Get(_ context.Context, ref string) ([]byte, error) {
	id, ok := strings.CutPrefix(ref, memScheme)
	if !ok {
		return nil, fmt.Errorf("not a memory artifact: %q", ref)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("artifact %q: %w", ref, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// DirArtifacts writes artifacts as <Dir>/<id>.md.
type DirArtifacts struct {
	Dir string
}

// NewDirArtifacts creates the directory if needed.
func NewDirArtifacts(dir string) (*DirArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &DirArtifacts{Dir: dir}, nil
}

func (d *DirArtifacts) Put(_ context.Context, id string, data []byte) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	path := filepath.Join(d.Dir, id+".md")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

func (d *DirArtifacts) Get(_ context.Context, ref string) ([]byte, error) {
	rel, err := filepath.Rel(d.Dir, ref)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("artifact %q is outside %s", ref, d.Dir)
	}
	return os.ReadFile(ref)
}
