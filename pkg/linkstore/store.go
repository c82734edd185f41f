// Package linkstore provides read access to matches and their streaming
// links, either held in memory or loaded from a JSON file.
package linkstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"matchstream-go/pkg/types"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// Memory is an in-memory link store, safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	matches map[string]*types.Match
}

// NewMemory creates a store holding matches.
func NewMemory(matches ...types.Match) *Memory {
	s := &Memory{matches: make(map[string]*types.Match, len(matches))}
	for _, m := range matches {
		s.Put(m)
	}
	return s
}

// Put adds or replaces a match.
func (s *Memory) Put(m types.Match) {
	m.Links = slices.Clone(m.Links)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[m.ID] = &m
}

// GetMatch returns a copy of the match with the given ID.
func (s *Memory) GetMatch(_ context.Context, id string) (*types.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrMatchNotFound, id)
	}
	out := *m
	out.Links = slices.Clone(m.Links)
	return &out, nil
}

// ListLinks returns the links of a match ordered by descending views.
// Inactive links are only returned to admins.
func (s *Memory) ListLinks(ctx context.Context, matchID string, caller types.Principal) ([]types.StreamLink, error) {
	m, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return VisibleLinks(m.Links, caller), nil
}

// Len returns the number of matches held.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches)
}

// VisibleLinks filters links for caller and orders them by descending
// views. Links with equal views keep their stored order.
func VisibleLinks(links []types.StreamLink, caller types.Principal) []types.StreamLink {
	visible := lo.Filter(links, func(l types.StreamLink, _ int) bool {
		return l.Active || caller.IsAdmin
	})
	slices.SortStableFunc(visible, func(a, b types.StreamLink) int {
		return cmp.Compare(b.Views, a.Views)
	})
	return visible
}

// fileFormat is the on-disk layout of a links file.
type fileFormat struct {
	Matches []types.Match `json:"matches"`
}

// LoadFile reads a JSON links file from fs into a new Memory store.
func LoadFile(fs afero.Fs, path string) (*Memory, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read links file: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse links file %s: %w", path, err)
	}

	for i, m := range f.Matches {
		if m.ID == "" {
			return nil, fmt.Errorf("parse links file %s: match %d has no id", path, i)
		}
	}

	return NewMemory(f.Matches...), nil
}

// SaveFile writes matches to path on fs in the format LoadFile reads.
func SaveFile(fs afero.Fs, path string, matches []types.Match) error {
	data, err := json.MarshalIndent(fileFormat{Matches: matches}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode links file: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write links file: %w", err)
	}
	return nil
}
