package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
)

// memStore is a map-backed Store for tests and throwaway experiments.
// It honors the same per-id atomicity contract as the sqlite backend.
type memStore struct {
	mu    sync.Mutex
	defs  map[string]*schedule.Definition
	links map[string][]schedule.PostLink
}

func NewMemory() Store {
	return &memStore{
		defs:  map[string]*schedule.Definition{},
		links: map[string][]schedule.PostLink{},
	}
}

func (s *memStore) Create(_ context.Context, def *schedule.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *def
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = schedule.StatusPending
	}
	s.defs[cp.ID] = &cp
	def.CreatedAt = cp.CreatedAt
	def.UpdatedAt = cp.UpdatedAt
	def.Status = cp.Status
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*schedule.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (s *memStore) All(_ context.Context) ([]*schedule.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schedule.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memStore) AllWithStatus(ctx context.Context, status schedule.Status) ([]*schedule.Definition, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, def := range all {
		if def.Status == status {
			out = append(out, def)
		}
	}
	return out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status schedule.Status, upd StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}
	def.Status = status
	def.UpdatedAt = time.Now().UTC()
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		def.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		def.CompletedAt = &t
	}
	if upd.LastRun != nil {
		t := *upd.LastRun
		def.LastRun = &t
	}
	if upd.ErrorMessage != nil {
		def.ErrorMessage = *upd.ErrorMessage
	}
	return nil
}

func (s *memStore) UpdateNextRun(_ context.Context, id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}
	t := next.UTC()
	def.NextRun = &t
	def.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) IncrementRunStats(_ context.Context, id string, d RunDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}
	def.RunCount += d.Runs
	def.SuccessCount += d.Successes
	def.FailureCount += d.Failures
	def.PostsGenerated += d.PostsGenerated
	if d.LastRun != nil {
		t := *d.LastRun
		def.LastRun = &t
	}
	if d.ErrorMessage != nil {
		def.ErrorMessage = *d.ErrorMessage
	}
	def.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) SetAutoPosting(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}
	def.AutoPosting = enabled
	def.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) LinkPost(_ context.Context, id, postID, platformPostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[id] = append(s.links[id], schedule.PostLink{
		ScheduleID:     id,
		PostID:         postID,
		PlatformPostID: platformPostID,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

func (s *memStore) PostsFor(_ context.Context, id string) ([]schedule.PostLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schedule.PostLink(nil), s.links[id]...), nil
}

func (s *memStore) Close() error { return nil }
