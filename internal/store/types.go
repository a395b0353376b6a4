package store

import (
	"context"
	"errors"
	"time"

	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
)

var (
	ErrDisabled = errors.New("store disabled")
	ErrNotFound = errors.New("schedule not found")
)

// Config configures the record store.
//
// Driver values:
//   - "sqlite": SQLite database file (the production backend)
//   - "memory": in-process map (tests, throwaway experiments)
//
// If Driver is empty or "none", storage is disabled and the scheduler
// refuses to start (the store is its source of truth).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StatusUpdate carries the optional timestamps written together with a
// status change. Nil fields are left untouched; a non-nil empty
// ErrorMessage clears the column.
type StatusUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastRun      *time.Time
	ErrorMessage *string
}

// RunDelta is one run's worth of counter increments.
type RunDelta struct {
	Runs           int
	Successes      int
	Failures       int
	PostsGenerated int

	LastRun      *time.Time
	ErrorMessage *string
}

// Store is the durable schedule table plus its post-linkage child table.
// All operations are atomic with respect to a single schedule id; nothing
// in the core assumes transactions spanning multiple schedules.
type Store interface {
	Create(ctx context.Context, def *schedule.Definition) error
	Get(ctx context.Context, id string) (*schedule.Definition, error)
	All(ctx context.Context) ([]*schedule.Definition, error)
	AllWithStatus(ctx context.Context, status schedule.Status) ([]*schedule.Definition, error)

	UpdateStatus(ctx context.Context, id string, status schedule.Status, upd StatusUpdate) error
	UpdateNextRun(ctx context.Context, id string, next time.Time) error
	IncrementRunStats(ctx context.Context, id string, d RunDelta) error
	SetAutoPosting(ctx context.Context, id string, enabled bool) error

	LinkPost(ctx context.Context, id, postID, platformPostID string) error
	PostsFor(ctx context.Context, id string) ([]schedule.PostLink, error)

	Close() error
}
