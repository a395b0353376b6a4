package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, name, description, created_by, schedule_type,
	daily_execution_time, weekdays_only, timezone, interval_seconds,
	auto_posting, max_posts_per_hour, generation_config, batch_info, post_ids,
	source_batch_id, source_experiment_id, status,
	run_count, success_count, failure_count, posts_generated,
	last_run, next_run, started_at, completed_at, error_message,
	created_at, updated_at`

func (s *sqliteStore) Create(ctx context.Context, def *schedule.Definition) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if def.Status == "" {
		def.Status = schedule.StatusPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (:id, :name, :description, :created_by, :schedule_type,
			:daily_execution_time, :weekdays_only, :timezone, :interval_seconds,
			:auto_posting, :max_posts_per_hour, :generation_config, :batch_info, :post_ids,
			:source_batch_id, :source_experiment_id, :status,
			:run_count, :success_count, :failure_count, :posts_generated,
			:last_run, :next_run, :started_at, :completed_at, :error_message,
			:created_at, :updated_at)`, def)
	if err != nil {
		s.log.Error("schedule insert failed", logx.String("schedule", def.ID), logx.Err(err))
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*schedule.Definition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var def schedule.Definition
	err := s.db.GetContext(ctx, &def,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *sqliteStore) All(ctx context.Context) ([]*schedule.Definition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var out []*schedule.Definition
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at, id`)
	return out, err
}

func (s *sqliteStore) AllWithStatus(ctx context.Context, status schedule.Status) ([]*schedule.Definition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var out []*schedule.Definition
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+scheduleColumns+` FROM schedules WHERE status = ? ORDER BY created_at, id`, status)
	return out, err
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status schedule.Status, upd StatusUpdate) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{status, time.Now().UTC()}
	if upd.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}
	if upd.LastRun != nil {
		set = append(set, "last_run = ?")
		args = append(args, *upd.LastRun)
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *sqliteStore) UpdateNextRun(ctx context.Context, id string, next time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run = ?, updated_at = ? WHERE id = ?`,
		next.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *sqliteStore) IncrementRunStats(ctx context.Context, id string, d RunDelta) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	set := []string{
		"run_count = run_count + ?",
		"success_count = success_count + ?",
		"failure_count = failure_count + ?",
		"posts_generated = posts_generated + ?",
		"updated_at = ?",
	}
	args := []any{d.Runs, d.Successes, d.Failures, d.PostsGenerated, time.Now().UTC()}
	if d.LastRun != nil {
		set = append(set, "last_run = ?")
		args = append(args, *d.LastRun)
	}
	if d.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *d.ErrorMessage)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *sqliteStore) SetAutoPosting(ctx context.Context, id string, enabled bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET auto_posting = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *sqliteStore) LinkPost(ctx context.Context, id, postID, platformPostID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_posts (schedule_id, post_id, platform_post_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, postID, platformPostID, time.Now().UTC())
	return err
}

func (s *sqliteStore) PostsFor(ctx context.Context, id string) ([]schedule.PostLink, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var out []schedule.PostLink
	err := s.db.SelectContext(ctx, &out,
		`SELECT schedule_id, post_id, platform_post_id, created_at
		   FROM schedule_posts WHERE schedule_id = ? ORDER BY rowid`, id)
	return out, err
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
