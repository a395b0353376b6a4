package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"github.com/hihihowru/forum-autoposter-sub001/internal/collab"
	"github.com/hihihowru/forum-autoposter-sub001/internal/eventbus"
	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// Executor performs one concrete execution of a schedule: fetch work,
// generate content, optionally publish, record the outcome. It never lets an
// error escape its boundary; the run loop above it must keep looping.
type Executor struct {
	store     store.Store
	filter    collab.StockFilter
	assigner  collab.KOLAssigner
	generator collab.Generator
	publisher collab.Publisher
	bus       eventbus.Bus
	log       logx.Logger

	// sleep is swappable so tests don't wait out real pacing delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(st store.Store, filter collab.StockFilter, assigner collab.KOLAssigner,
	generator collab.Generator, publisher collab.Publisher, bus eventbus.Bus, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		store:     st,
		filter:    filter,
		assigner:  assigner,
		generator: generator,
		publisher: publisher,
		bus:       bus,
		log:       log,
		sleep:     sleepCtx,
	}
}

// Outcome is the coarse result of one run.
type Outcome struct {
	Success   bool
	Generated int
	Published int
	Message   string
}

// publishedPost pairs a post id with the platform id it got (if published).
type publishedPost struct {
	postID         string
	platformPostID string
}

// Execute runs the schedule once and records the outcome in the store:
// counters, last_run, error message, and one post link per produced post.
// Store write failures are logged but don't change the outcome; the run
// already happened.
func (e *Executor) Execute(ctx context.Context, def *schedule.Definition) Outcome {
	started := time.Now()
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunEvent{
			ScheduleID: def.ID, Name: def.DisplayName(), Started: started,
		}})
	}

	out, links := e.runRecovered(ctx, def)

	lastRun := started.UTC()
	delta := store.RunDelta{Runs: 1, LastRun: &lastRun}
	msg := out.Message
	if out.Success {
		delta.Successes = 1
		delta.PostsGenerated = out.Generated
		empty := ""
		delta.ErrorMessage = &empty
	} else {
		delta.Failures = 1
		delta.ErrorMessage = &msg
	}
	if err := e.store.IncrementRunStats(ctx, def.ID, delta); err != nil {
		e.log.Error("run stats update failed", logx.String("schedule", def.ID), logx.Err(err))
	}
	for _, l := range links {
		if err := e.store.LinkPost(ctx, def.ID, l.postID, l.platformPostID); err != nil {
			e.log.Error("post link failed", logx.String("schedule", def.ID), logx.String("post", l.postID), logx.Err(err))
			continue
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulePostLinked, Data: eventbus.RunEvent{
				ScheduleID: def.ID, Name: def.DisplayName(),
			}})
		}
	}

	ev := eventbus.RunEvent{
		ScheduleID: def.ID, Name: def.DisplayName(), Started: started,
		Duration: time.Since(started), Posts: out.Generated, Error: msg,
	}
	if out.Success {
		e.log.Info("run succeeded", logx.String("schedule", def.ID),
			logx.Int("generated", out.Generated), logx.Int("published", out.Published),
			logx.Duration("dur", ev.Duration))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeRunSucceeded, Data: ev})
		}
	} else {
		e.log.Warn("run failed", logx.String("schedule", def.ID),
			logx.String("reason", msg), logx.Duration("dur", ev.Duration))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFailed, Data: ev})
		}
	}
	return out
}

// DryRun executes the pipeline without touching the store: no counters, no
// last_run, no post links. Operators use it to test a configuration without
// disturbing the schedule's cadence.
func (e *Executor) DryRun(ctx context.Context, def *schedule.Definition) Outcome {
	out, _ := e.runRecovered(ctx, def)
	return out
}

// runRecovered is the executor boundary: panics become recorded failures.
func (e *Executor) runRecovered(ctx context.Context, def *schedule.Definition) (out Outcome, links []publishedPost) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in executor", logx.String("schedule", def.ID),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = Outcome{Message: fmt.Sprintf("panic: %v", r)}
			links = nil
		}
	}()

	switch def.Type {
	case schedule.TypeWeekdayDaily:
		return e.runDaily(ctx, def)
	case schedule.TypeImmediate, schedule.TypeIntervalBatch:
		return e.runPresupplied(ctx, def)
	default:
		return Outcome{Message: fmt.Sprintf("unknown schedule type %q", def.Type)}, nil
	}
}

// runDaily is the full pipeline: filter -> assign -> generate -> publish.
func (e *Executor) runDaily(ctx context.Context, def *schedule.Definition) (Outcome, []publishedPost) {
	items, err := e.filter.FilterStocks(ctx, def.GenerationConfig)
	if err != nil {
		return Outcome{Message: fmt.Sprintf("stock filter: %v", err)}, nil
	}
	// An empty selection is an explicit failure, not a vacuous success:
	// downstream consumers watch failure_count, not silence.
	if len(items) == 0 {
		return Outcome{Message: "stock filter returned no work items"}, nil
	}

	assignments, err := e.assigner.AssignKOLs(ctx, items)
	if err != nil {
		return Outcome{Message: fmt.Sprintf("kol assignment: %v", err)}, nil
	}
	if len(assignments) == 0 {
		return Outcome{Message: "kol assignment returned no personas"}, nil
	}
	byStock := make(map[string]collab.Assignment, len(assignments))
	for _, a := range assignments {
		byStock[a.StockID] = a
	}

	var posts []collab.GeneratedPost
	for _, item := range items {
		asg, ok := byStock[item.StockID]
		if !ok {
			e.log.Warn("no assignment for stock; skipping",
				logx.String("schedule", def.ID), logx.String("stock", item.StockID))
			continue
		}
		post, err := e.generator.Generate(ctx, item, asg, def.GenerationConfig)
		if err != nil {
			// One bad item must not sink the batch.
			e.log.Warn("generation failed for item; skipping",
				logx.String("schedule", def.ID), logx.String("stock", item.StockID), logx.Err(err))
			continue
		}
		posts = append(posts, post)
	}
	if len(posts) == 0 {
		return Outcome{Message: "no posts generated"}, nil
	}

	links := make([]publishedPost, 0, len(posts))
	published := 0
	if def.AutoPosting {
		limiter := hourlyLimiter(def.MaxPostsPerHour)
		for i, post := range posts {
			if err := e.pace(ctx, def, limiter, i); err != nil {
				e.log.Warn("publish pacing interrupted", logx.String("schedule", def.ID), logx.Err(err))
				links = append(links, publishedPost{postID: post.ID})
				continue
			}
			platformID, err := e.publisher.Publish(ctx, post)
			if err != nil {
				e.log.Warn("publish failed; post stays unpublished",
					logx.String("schedule", def.ID), logx.String("post", post.ID), logx.Err(err))
				links = append(links, publishedPost{postID: post.ID})
				continue
			}
			published++
			links = append(links, publishedPost{postID: post.ID, platformPostID: platformID})
		}
	} else {
		for _, post := range posts {
			links = append(links, publishedPost{postID: post.ID})
		}
	}

	return Outcome{Success: true, Generated: len(posts), Published: published}, links
}

// runPresupplied publishes an already-generated post list (immediate and
// interval_batch schedules); filter/assignment/generation are skipped.
func (e *Executor) runPresupplied(ctx context.Context, def *schedule.Definition) (Outcome, []publishedPost) {
	if len(def.PostIDs) == 0 {
		return Outcome{Message: "no pre-supplied post ids"}, nil
	}

	links := make([]publishedPost, 0, len(def.PostIDs))
	published := 0
	if def.AutoPosting {
		limiter := hourlyLimiter(def.MaxPostsPerHour)
		for i, postID := range def.PostIDs {
			if err := e.pace(ctx, def, limiter, i); err != nil {
				e.log.Warn("publish pacing interrupted", logx.String("schedule", def.ID), logx.Err(err))
				links = append(links, publishedPost{postID: postID})
				continue
			}
			platformID, err := e.publisher.PublishExisting(ctx, postID)
			if err != nil {
				e.log.Warn("publish failed; post stays unpublished",
					logx.String("schedule", def.ID), logx.String("post", postID), logx.Err(err))
				links = append(links, publishedPost{postID: postID})
				continue
			}
			published++
			links = append(links, publishedPost{postID: postID, platformPostID: platformID})
		}
		if published == 0 {
			return Outcome{Message: "no posts published"}, links
		}
	} else {
		for _, postID := range def.PostIDs {
			links = append(links, publishedPost{postID: postID})
		}
	}

	return Outcome{Success: true, Published: published}, links
}

// pace serializes publishing: an interval_seconds gap between posts plus the
// schedule's hourly budget. Publishing is never parallelized.
func (e *Executor) pace(ctx context.Context, def *schedule.Definition, limiter *rate.Limiter, idx int) error {
	if idx > 0 && def.IntervalSeconds > 0 {
		if err := e.sleep(ctx, time.Duration(def.IntervalSeconds)*time.Second); err != nil {
			return err
		}
	}
	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func hourlyLimiter(maxPerHour int) *rate.Limiter {
	if maxPerHour <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Hour/time.Duration(maxPerHour)), 1)
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
