package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/hihihowru/forum-autoposter-sub001/internal/executor"
	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// Runner is the executor surface the scheduler drives. Execute records its
// outcome in the store; DryRun leaves the store untouched.
type Runner interface {
	Execute(ctx context.Context, def *schedule.Definition) executor.Outcome
	DryRun(ctx context.Context, def *schedule.Definition) executor.Outcome
}

// Options tunes the supervisor and its run loops. Zero fields pick the
// documented defaults.
type Options struct {
	// PollInterval is the idle re-check cadence. Must stay well below
	// GraceWindow or a narrow target window can slip through between wakes.
	PollInterval      time.Duration // default 30s
	ReconcileInterval time.Duration // default 2m
	GraceWindow       time.Duration // default 90s

	// MaxSleep bounds any single sleep so a clock anomaly can't wedge a loop.
	MaxSleep time.Duration // default 24h
	// StoreRetryDelay is the wait after a store read/write error.
	StoreRetryDelay time.Duration // default 1h

	// DefaultTimezone is stamped onto schedules created without one.
	DefaultTimezone string // default "Asia/Taipei"
	HistorySize     int    // default 200
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 2 * time.Minute
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = schedule.DefaultGraceWindow
	}
	if o.MaxSleep <= 0 {
		o.MaxSleep = 24 * time.Hour
	}
	if o.StoreRetryDelay <= 0 {
		o.StoreRetryDelay = time.Hour
	}
	if o.DefaultTimezone == "" {
		o.DefaultTimezone = schedule.DefaultTimezone
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 200
	}
	return o
}

// runLoop is the long-lived control flow for one active schedule. Exactly one
// loop per schedule id is alive at a time; the supervisor owns that invariant.
type runLoop struct {
	id    string
	store store.Store
	exec  Runner
	log   logx.Logger
	opts  Options

	// swappable clocks for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newRunLoop(id string, st store.Store, exec Runner, log logx.Logger, opts Options) *runLoop {
	return &runLoop{
		id:    id,
		store: st,
		exec:  exec,
		log:   log.With(logx.String("schedule", id)),
		opts:  opts,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// run cycles wake -> re-read -> eligibility -> execute -> next-run -> sleep
// until the schedule leaves the active status or ctx is cancelled. The loop
// never trusts a cached definition across sleeps: cancellation and
// reconfiguration happen externally through the store.
func (l *runLoop) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		def, err := l.store.Get(ctx, l.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, store.ErrNotFound) {
				// Deleted out-of-band: identity gone, nothing left to update.
				l.log.Error("schedule vanished from store, loop terminating")
				return
			}
			l.log.Warn("store read failed, backing off", logx.Err(err),
				logx.Duration("retry_in", l.opts.StoreRetryDelay))
			if l.sleep(ctx, l.opts.StoreRetryDelay) != nil {
				return
			}
			continue
		}
		if def.Status != schedule.StatusActive {
			l.log.Info("schedule no longer active, loop terminating",
				logx.String("status", string(def.Status)))
			return
		}

		now := l.now()

		// Day-guard: once run today (schedule's zone), skip straight to
		// tomorrow however often the loop wakes.
		if def.LastRun != nil && schedule.SameExecutionDay(def, *def.LastRun, now) {
			if !l.sleepUntilNext(ctx, def, now) {
				return
			}
			continue
		}

		// Pre-supplied batches run once as soon as their loop starts, then
		// the schedule is done for good.
		if def.Type == schedule.TypeImmediate || def.Type == schedule.TypeIntervalBatch {
			l.exec.Execute(ctx, def)
			l.complete(ctx)
			return
		}

		if !schedule.ShouldExecuteNow(def, now, l.opts.GraceWindow) {
			if l.sleep(ctx, l.opts.PollInterval) != nil {
				return
			}
			continue
		}

		l.exec.Execute(ctx, def)
		if !l.sleepUntilNext(ctx, def, l.now()) {
			return
		}
	}
}

// sleepUntilNext persists the schedule's next run and sleeps toward it.
// Returns false when the sleep was cancelled.
func (l *runLoop) sleepUntilNext(ctx context.Context, def *schedule.Definition, now time.Time) bool {
	next, ok := schedule.ComputeNextRun(def, now)
	if !ok {
		next = schedule.NextRunFallback(def, now)
		l.log.Warn("execution time not usable, applying fallback next run",
			logx.String("raw", def.DailyExecutionTime), logx.Time("next_run", next))
	}
	if err := l.store.UpdateNextRun(ctx, l.id, next.UTC()); err != nil && ctx.Err() == nil {
		l.log.Warn("next run not persisted", logx.Err(err))
	}

	// ComputeNextRun is strictly future, so d > 0. Capped: waking early is
	// harmless (the loop re-validates), sleeping forever is not.
	d := next.Sub(now)
	if d > l.opts.MaxSleep {
		d = l.opts.MaxSleep
	}
	return l.sleep(ctx, d) == nil
}

// complete marks a one-shot schedule finished. ctx may already be cancelled
// when the supervisor is shutting down; use a short detached timeout so the
// terminal status still lands.
func (l *runLoop) complete(ctx context.Context) {
	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	done := l.now().UTC()
	if err := l.store.UpdateStatus(wctx, l.id, schedule.StatusCompleted, store.StatusUpdate{CompletedAt: &done}); err != nil {
		l.log.Warn("completed status not persisted", logx.Err(err))
		return
	}
	l.log.Info("one-shot schedule completed")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
