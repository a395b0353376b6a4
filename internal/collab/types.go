package collab

import (
	"context"
	"errors"

	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
)

// The scheduler core treats these services as opaque collaborators: it
// controls when and how often they are called and records coarse outcomes,
// nothing more. Retry within a single call is the collaborator's concern.

var ErrEmptyResult = errors.New("collaborator returned no data")

// WorkItem is one stock selected for posting.
type WorkItem struct {
	StockID   string         `json:"stock_id"`
	StockName string         `json:"stock_name,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Assignment pairs a work item with the KOL persona that will author its post.
type Assignment struct {
	StockID  string `json:"stock_id"`
	KOLID    string `json:"kol_id"`
	KOLName  string `json:"kol_name,omitempty"`
	Persona  string `json:"persona,omitempty"`
	MemberID string `json:"member_id,omitempty"`
}

// GeneratedPost is the generation service's output. The service persists the
// post on its side and hands back the id; publishing is a separate step.
type GeneratedPost struct {
	ID      string `json:"id"`
	StockID string `json:"stock_id"`
	KOLID   string `json:"kol_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// StockFilter supplies the work items for a weekday-daily run, driven by the
// schedule's opaque generation config (trigger type, ranking rule, max items).
type StockFilter interface {
	FilterStocks(ctx context.Context, cfg schedule.JSONMap) ([]WorkItem, error)
}

// KOLAssigner resolves one persona assignment per work item.
type KOLAssigner interface {
	AssignKOLs(ctx context.Context, items []WorkItem) ([]Assignment, error)
}

// Generator produces post content for one (work item, assignment) pair.
// Safe to call repeatedly; the executor retries only at the batch level.
type Generator interface {
	Generate(ctx context.Context, item WorkItem, asg Assignment, cfg schedule.JSONMap) (GeneratedPost, error)
}

// Publisher pushes content to the platform. Each generated post is published
// at most once per run; the executor paces calls so the platform's rate
// limits are respected.
type Publisher interface {
	Publish(ctx context.Context, post GeneratedPost) (platformPostID string, err error)
	// PublishExisting publishes a post that was generated earlier and is
	// referenced by id only (immediate / interval_batch schedules).
	PublishExisting(ctx context.Context, postID string) (platformPostID string, err error)
}
