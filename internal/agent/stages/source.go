package stages

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultProfileYAML []byte

// ErrProfileNotFound is returned by a ProfileSource that has no profile for
// the requested organization.
var ErrProfileNotFound = errors.New("profile not found")

// DefaultProfile returns a fresh copy of the built-in profile.
func DefaultProfile() *Profile {
	var p Profile
	if err := yaml.Unmarshal(defaultProfileYAML, &p); err != nil {
		panic(fmt.Sprintf("stages: embedded default profile: %v", err))
	}
	return &p
}

// ProfileSource supplies organization profiles at lookup time.
type ProfileSource interface {
	Profile(ctx context.Context, orgID string) (*Profile, error)
}

// StaticProfiles is an in-memory ProfileSource keyed by org id.
type StaticProfiles map[string]*Profile

func (s StaticProfiles) Profile(_ context.Context, orgID string) (*Profile, error) {
	p, ok := s[orgID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, orgID)
	}
	return p.Clone(), nil
}

type profileFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// FileProfileSource reads profiles from a YAML file of the form
//
//	profiles:
//	  - org_id: acme
//	    stages: [...]
//	    transitions: {...}
//
// The file is read on first use and cached; Reload forces a re-read.
type FileProfileSource struct {
	Path string

	mu     sync.RWMutex
	loaded StaticProfiles
}

// NewFileProfileSource creates a source and validates the file eagerly.
func NewFileProfileSource(path string) (*FileProfileSource, error) {
	s := &FileProfileSource{Path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and validates the profile file.
func (s *FileProfileSource) Reload() error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse profiles %s: %w", s.Path, err)
	}
	loaded := make(StaticProfiles, len(f.Profiles))
	for i, p := range f.Profiles {
		if p == nil || p.OrgID == "" {
			return fmt.Errorf("%w: profile %d in %s has no org_id", ErrInvalidProfile, i, s.Path)
		}
		if err := p.Validate(); err != nil {
			return err
		}
		loaded[p.OrgID] = p
	}
	s.mu.Lock()
	s.loaded = loaded
	s.mu.Unlock()
	return nil
}

func (s *FileProfileSource) Profile(ctx context.Context, orgID string) (*Profile, error) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded == nil {
		if err := s.Reload(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		loaded = s.loaded
		s.mu.RUnlock()
	}
	return loaded.Profile(ctx, orgID)
}
