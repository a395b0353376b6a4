package schedule

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimezone is used for schedules that don't carry their own zone.
// The posting platform and its market calendar live in this zone.
const DefaultTimezone = "Asia/Taipei"

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

type Type string

const (
	// TypeImmediate publishes a pre-supplied list of generated posts once.
	TypeImmediate Type = "immediate"
	// TypeIntervalBatch publishes a pre-supplied list of generated posts,
	// paced by IntervalSeconds.
	TypeIntervalBatch Type = "interval_batch"
	// TypeWeekdayDaily runs the full filter -> assign -> generate -> publish
	// pipeline once per eligible day.
	TypeWeekdayDaily Type = "weekday_daily"
)

// JSONMap stores an opaque JSON object as TEXT in sqlite.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("schedule: cannot scan %T into JSONMap", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// StringList stores an ordered list of ids as a JSON array in sqlite.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("schedule: cannot scan %T into StringList", src)
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

// Definition is one persisted schedule. It is owned by the record store;
// the run loop and control API always work from a fresh store read.
type Definition struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description,omitempty"`
	CreatedBy   string `db:"created_by" json:"created_by,omitempty"`

	Type Type `db:"schedule_type" json:"schedule_type"`

	// DailyExecutionTime is a legacy free-form field: "HH:MM", a range
	// "HH:MM-HH:MM", or a full timestamp whose clock component is used.
	// Parsing is centralized in ParseExecutionTime.
	DailyExecutionTime string `db:"daily_execution_time" json:"daily_execution_time,omitempty"`
	WeekdaysOnly       bool   `db:"weekdays_only" json:"weekdays_only"`
	Timezone           string `db:"timezone" json:"timezone,omitempty"`
	IntervalSeconds    int    `db:"interval_seconds" json:"interval_seconds,omitempty"`

	AutoPosting     bool `db:"auto_posting" json:"auto_posting"`
	MaxPostsPerHour int  `db:"max_posts_per_hour" json:"max_posts_per_hour,omitempty"`

	// GenerationConfig is passed through to the content generation service
	// untouched (trigger type, ranking rule, max item count, prompt knobs).
	GenerationConfig JSONMap `db:"generation_config" json:"generation_config,omitempty"`
	// BatchInfo is a denormalized display summary for operators.
	BatchInfo JSONMap `db:"batch_info" json:"batch_info,omitempty"`
	// PostIDs is the pre-supplied work list for immediate/interval_batch types.
	PostIDs StringList `db:"post_ids" json:"post_ids,omitempty"`

	SourceBatchID      string `db:"source_batch_id" json:"source_batch_id,omitempty"`
	SourceExperimentID string `db:"source_experiment_id" json:"source_experiment_id,omitempty"`

	Status Status `db:"status" json:"status"`

	RunCount       int        `db:"run_count" json:"run_count"`
	SuccessCount   int        `db:"success_count" json:"success_count"`
	FailureCount   int        `db:"failure_count" json:"failure_count"`
	PostsGenerated int        `db:"posts_generated" json:"posts_generated"`
	LastRun        *time.Time `db:"last_run" json:"last_run,omitempty"`
	NextRun        *time.Time `db:"next_run" json:"next_run,omitempty"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage   string     `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PostLink is one generated post attributed to a schedule, in insertion order.
type PostLink struct {
	ScheduleID     string    `db:"schedule_id" json:"schedule_id"`
	PostID         string    `db:"post_id" json:"post_id"`
	PlatformPostID string    `db:"platform_post_id" json:"platform_post_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

var ErrUnknownType = errors.New("unknown schedule type")

// ValidType reports whether t is one of the supported schedule types.
func ValidType(t Type) bool {
	switch t {
	case TypeImmediate, TypeIntervalBatch, TypeWeekdayDaily:
		return true
	}
	return false
}

// ValidTransition reports whether Start() may run from the given status.
// Re-starting an active schedule is allowed (idempotent).
func ValidTransition(from Status) bool {
	switch from {
	case StatusPending, StatusCancelled, StatusActive:
		return true
	}
	return false
}

// Location resolves the schedule's timezone, falling back to the process-wide
// default. An unknown zone name falls back too rather than failing the loop.
func (d *Definition) Location() *time.Location {
	tz := strings.TrimSpace(d.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return time.Local
		}
	}
	return loc
}

// DisplayName returns Name, or a derived fallback for schedules created
// without one.
func (d *Definition) DisplayName() string {
	if n := strings.TrimSpace(d.Name); n != "" {
		return n
	}
	return fmt.Sprintf("%s-%s", d.Type, d.CreatedAt.Format("20060102-1504"))
}
