package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hihihowru/forum-autoposter-sub001/internal/eventbus"
	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// loopHandle is one live run loop: its cancel plus a done channel the loop
// closes on exit.
type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the live-loop registry: one run loop per active schedule,
// populated at Start, kept in sync with the store by periodic reconciliation,
// drained at Stop. The registry is mutated only here and by the control API
// methods, all under one mutex.
type Supervisor struct {
	store store.Store
	exec  Runner
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	opts    Options
	loops   map[string]*loopHandle
	started bool

	cron        *cron.Cron
	reconcileID cron.EntryID

	history *historyRing

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewSupervisor(st store.Store, exec Runner, bus eventbus.Bus, log logx.Logger, opts Options) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()
	return &Supervisor{
		store:   st,
		exec:    exec,
		bus:     bus,
		log:     log.With(logx.String("component", "scheduler")),
		opts:    opts,
		loops:   map[string]*loopHandle{},
		history: newHistoryRing(opts.HistorySize),
	}
}

// Start seeds loops for every schedule the store says is active, then begins
// periodic reconciliation and the nightly maintenance job.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	active, err := s.store.AllWithStatus(ctx, schedule.StatusActive)
	if err != nil {
		return fmt.Errorf("scheduler: seeding active schedules: %w", err)
	}
	for _, def := range active {
		s.ensureLoop(def.ID)
	}
	s.log.Info("scheduler started", logx.Int("active_loops", len(active)))

	if s.bus != nil {
		s.watchRunEvents()
	}

	c := cron.New()
	id, err := c.AddFunc(fmt.Sprintf("@every %s", s.opts.ReconcileInterval), s.reconcileJob)
	if err != nil {
		return fmt.Errorf("scheduler: reconcile job: %w", err)
	}
	// Nightly roll-up of per-status counts, just after midnight.
	if _, err := c.AddFunc("30 0 * * *", s.maintenanceJob); err != nil {
		return fmt.Errorf("scheduler: maintenance job: %w", err)
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.reconcileID = id
	s.mu.Unlock()
	return nil
}

// Stop halts reconciliation, cancels every live loop and waits for them.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.cron = nil
	handles := make([]*loopHandle, 0, len(s.loops))
	for id, h := range s.loops {
		handles = append(handles, h)
		delete(s.loops, id)
	}
	cancel := s.baseCancel
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Apply updates runtime-tunable options (reconcile cadence, grace window,
// poll interval). Live loops pick the new values up on their next spawn;
// the reconcile job is rescheduled immediately.
func (s *Supervisor) Apply(opts Options) {
	opts = opts.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	changedCadence := opts.ReconcileInterval != s.opts.ReconcileInterval
	s.opts = opts

	if changedCadence && s.cron != nil {
		s.cron.Remove(s.reconcileID)
		id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", opts.ReconcileInterval), s.reconcileJob)
		if err != nil {
			s.log.Error("reconcile job not rescheduled", logx.Err(err))
			return
		}
		s.reconcileID = id
		s.log.Info("reconcile cadence updated", logx.Duration("interval", opts.ReconcileInterval))
	}
}

func (s *Supervisor) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Supervised reports in O(1) whether a live loop exists for the id.
func (s *Supervisor) Supervised(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.loops[id]
	if !ok {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) reconcileJob() {
	ctx, cancel := context.WithTimeout(s.base(), 30*time.Second)
	defer cancel()
	s.Reconcile(ctx)
}

// Reconcile re-syncs live loops against the store: spawn for newly active
// ids, cancel for ids no longer active, leave the rest untouched.
func (s *Supervisor) Reconcile(ctx context.Context) {
	active, err := s.store.AllWithStatus(ctx, schedule.StatusActive)
	if err != nil {
		s.log.Warn("reconciliation skipped, store unavailable", logx.Err(err))
		return
	}
	want := make(map[string]bool, len(active))
	for _, def := range active {
		want[def.ID] = true
	}

	var spawned, stopped, pruned int
	s.mu.Lock()
	for id, h := range s.loops {
		select {
		case <-h.done:
			// Loop exited on its own (completed, cancelled, vanished).
			delete(s.loops, id)
			pruned++
			continue
		default:
		}
		if !want[id] {
			h.cancel()
			delete(s.loops, id)
			stopped++
		}
	}
	for id := range want {
		if _, ok := s.loops[id]; !ok {
			s.spawnLocked(id)
			spawned++
		}
	}
	s.mu.Unlock()

	if spawned+stopped+pruned > 0 {
		s.log.Info("reconciled loops", logx.Int("spawned", spawned),
			logx.Int("stopped", stopped), logx.Int("pruned", pruned))
	}
}

func (s *Supervisor) maintenanceJob() {
	ctx, cancel := context.WithTimeout(s.base(), 30*time.Second)
	defer cancel()

	all, err := s.store.All(ctx)
	if err != nil {
		s.log.Warn("maintenance roll-up skipped", logx.Err(err))
		return
	}
	counts := map[schedule.Status]int{}
	for _, def := range all {
		counts[def.Status]++
	}
	s.mu.Lock()
	live := len(s.loops)
	s.mu.Unlock()
	s.log.Info("schedule roll-up",
		logx.Int("total", len(all)),
		logx.Int("active", counts[schedule.StatusActive]),
		logx.Int("pending", counts[schedule.StatusPending]),
		logx.Int("completed", counts[schedule.StatusCompleted]),
		logx.Int("cancelled", counts[schedule.StatusCancelled]),
		logx.Int("failed", counts[schedule.StatusFailed]),
		logx.Int("live_loops", live))
}

// ensureLoop spawns a loop for id unless a live one already exists.
func (s *Supervisor) ensureLoop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.loops[id]; ok {
		select {
		case <-h.done:
			delete(s.loops, id)
		default:
			return
		}
	}
	s.spawnLocked(id)
}

func (s *Supervisor) spawnLocked(id string) {
	ctx, cancel := context.WithCancel(s.baseCtxLocked())
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.loops[id] = h

	loop := newRunLoop(id, s.store, s.exec, s.log, s.opts)
	go func() {
		defer close(h.done)
		loop.run(ctx)
	}()
}

// stopLoop cancels the loop for id, if any. Returns whether one was live.
func (s *Supervisor) stopLoop(id string) bool {
	s.mu.Lock()
	h, ok := s.loops[id]
	if ok {
		delete(s.loops, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

func (s *Supervisor) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtxLocked()
}

func (s *Supervisor) baseCtxLocked() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// watchRunEvents feeds the in-memory run history from the event bus.
func (s *Supervisor) watchRunEvents() {
	ch, unsub := s.bus.Subscribe(64)
	ctx := s.base()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				re, ok := ev.Data.(eventbus.RunEvent)
				if !ok {
					continue
				}
				switch ev.Type {
				case eventbus.TypeRunSucceeded:
					s.history.add(RunRecord{
						ScheduleID: re.ScheduleID, Name: re.Name, Started: re.Started,
						Duration: re.Duration, Success: true, Posts: re.Posts,
					})
				case eventbus.TypeRunFailed:
					s.history.add(RunRecord{
						ScheduleID: re.ScheduleID, Name: re.Name, Started: re.Started,
						Duration: re.Duration, Error: re.Error,
					})
				}
			}
		}
	}()
}

// RunRecord is one finished run as kept in the supervisor's history ring.
type RunRecord struct {
	ScheduleID string        `json:"schedule_id"`
	Name       string        `json:"name,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Posts      int           `json:"posts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// historyRing keeps the most recent runs across all schedules, oldest out.
type historyRing struct {
	mu    sync.Mutex
	items []RunRecord
	max   int
}

func newHistoryRing(max int) *historyRing {
	if max <= 0 {
		max = 200
	}
	return &historyRing{max: max}
}

func (r *historyRing) add(rec RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, rec)
	if len(r.items) > r.max {
		r.items = r.items[len(r.items)-r.max:]
	}
}

// forSchedule returns recent runs for one schedule, newest first.
func (r *historyRing) forSchedule(id string) []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RunRecord
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].ScheduleID == id {
			out = append(out, r.items[i])
		}
	}
	return out
}
