package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hihihowru/forum-autoposter-sub001/internal/eventbus"
	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// API is the control surface over the supervisor: create, start, cancel,
// execute-now, toggle auto posting. Every call returns a Result and never an
// error; failures surface as OK=false with a message, so callers get a
// uniform success+message envelope whatever went wrong.
type API struct {
	sup *Supervisor
}

func NewAPI(sup *Supervisor) *API {
	return &API{sup: sup}
}

// Result is the uniform control-call outcome.
type Result struct {
	OK      bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"schedule_id,omitempty"`
}

func fail(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

// Create persists a new schedule with status pending. The id and a
// human-readable name are derived when absent; timing fields are stored as
// given and validated lazily at run time, matching how rows arrive from
// upstream batch tooling.
func (a *API) Create(ctx context.Context, def *schedule.Definition) Result {
	if def == nil {
		return fail("no schedule definition supplied")
	}
	if !schedule.ValidType(def.Type) {
		return fail("unknown schedule type %q", def.Type)
	}

	now := time.Now().UTC()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Timezone == "" {
		def.Timezone = a.sup.options().DefaultTimezone
	}
	def.Status = schedule.StatusPending
	def.CreatedAt = now
	def.UpdatedAt = now
	if strings.TrimSpace(def.Name) == "" {
		def.Name = def.DisplayName()
	}

	if err := a.sup.store.Create(ctx, def); err != nil {
		a.sup.log.Error("schedule create failed", logx.Err(err))
		return fail("create failed: %v", err)
	}
	a.sup.log.Info("schedule created", logx.String("schedule", def.ID),
		logx.String("type", string(def.Type)), logx.String("name", def.Name))
	return Result{OK: true, Message: "schedule created", ID: def.ID}
}

// Start activates a schedule and spawns its run loop. Starting an already
// active schedule is idempotent; starting a completed or failed one is not
// allowed.
func (a *API) Start(ctx context.Context, id string) Result {
	def, err := a.sup.store.Get(ctx, id)
	if err != nil {
		return notFoundOr(err, id)
	}
	if !schedule.ValidTransition(def.Status) {
		return fail("cannot start schedule in status %q", def.Status)
	}

	now := time.Now()
	next, ok := schedule.ComputeNextRun(def, now)
	if !ok {
		if def.Type == schedule.TypeImmediate || def.Type == schedule.TypeIntervalBatch {
			// One-shots run as soon as their loop wakes.
			next = now
		} else {
			next = schedule.NextRunFallback(def, now)
		}
	}

	started := now.UTC()
	if err := a.sup.store.UpdateStatus(ctx, id, schedule.StatusActive, store.StatusUpdate{StartedAt: &started}); err != nil {
		return fail("start failed: %v", err)
	}
	if err := a.sup.store.UpdateNextRun(ctx, id, next.UTC()); err != nil {
		a.sup.log.Warn("initial next run not persisted", logx.String("schedule", id), logx.Err(err))
	}

	a.sup.ensureLoop(id)
	a.sup.log.Info("schedule started", logx.String("schedule", id), logx.Time("next_run", next))
	return Result{OK: true, Message: "schedule started", ID: id}
}

// Cancel tears the live loop down directly (lower latency than waiting for
// reconciliation) and persists the cancelled status.
func (a *API) Cancel(ctx context.Context, id string) Result {
	if _, err := a.sup.store.Get(ctx, id); err != nil {
		return notFoundOr(err, id)
	}

	a.sup.stopLoop(id)
	if err := a.sup.store.UpdateStatus(ctx, id, schedule.StatusCancelled, store.StatusUpdate{}); err != nil {
		return fail("cancel failed: %v", err)
	}
	if a.sup.bus != nil {
		a.sup.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleCancelled,
			Data: eventbus.RunEvent{ScheduleID: id}})
	}
	a.sup.log.Info("schedule cancelled", logx.String("schedule", id))
	return Result{OK: true, Message: "schedule cancelled", ID: id}
}

// ExecuteNow runs the executor once, synchronously, without touching status,
// last_run or any other scheduling state. A dry test path: operators can
// verify a configuration without disturbing the schedule's normal cadence.
func (a *API) ExecuteNow(ctx context.Context, id string) Result {
	def, err := a.sup.store.Get(ctx, id)
	if err != nil {
		return notFoundOr(err, id)
	}

	out := a.sup.exec.DryRun(ctx, def)
	if !out.Success {
		return Result{Message: "execution failed: " + out.Message, ID: id}
	}
	return Result{
		OK:      true,
		Message: fmt.Sprintf("executed: %d generated, %d published", out.Generated, out.Published),
		ID:      id,
	}
}

// SetAutoPosting flips the auto_posting flag only; it takes effect on the
// schedule's next natural run.
func (a *API) SetAutoPosting(ctx context.Context, id string, enabled bool) Result {
	if err := a.sup.store.SetAutoPosting(ctx, id, enabled); err != nil {
		return notFoundOr(err, id)
	}
	a.sup.log.Info("auto posting updated", logx.String("schedule", id), logx.Bool("enabled", enabled))
	return Result{OK: true, Message: fmt.Sprintf("auto posting %t", enabled), ID: id}
}

// Schedule returns one schedule with its linked posts and recent run history.
func (a *API) Schedule(ctx context.Context, id string) (*schedule.Definition, []schedule.PostLink, []RunRecord, error) {
	def, err := a.sup.store.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	links, err := a.sup.store.PostsFor(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return def, links, a.sup.history.forSchedule(id), nil
}

// Schedules returns every schedule the store knows about.
func (a *API) Schedules(ctx context.Context) ([]*schedule.Definition, error) {
	return a.sup.store.All(ctx)
}

// Supervised reports whether a live run loop exists for the id.
func (a *API) Supervised(id string) bool {
	return a.sup.Supervised(id)
}

func notFoundOr(err error, id string) Result {
	if errors.Is(err, store.ErrNotFound) {
		return fail("schedule %s not found", id)
	}
	return fail("store error: %v", err)
}
