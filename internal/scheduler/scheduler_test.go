package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hihihowru/forum-autoposter-sub001/internal/eventbus"
	"github.com/hihihowru/forum-autoposter-sub001/internal/executor"
	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// fakeRunner counts invocations and mimics the real executor's last_run
// bookkeeping so the day-guard has something to look at.
type fakeRunner struct {
	mu    sync.Mutex
	execs int
	drys  int
	st    store.Store
	fired chan string
}

func (f *fakeRunner) Execute(ctx context.Context, def *schedule.Definition) executor.Outcome {
	f.mu.Lock()
	f.execs++
	f.mu.Unlock()
	if f.st != nil {
		lr := time.Now().UTC()
		_ = f.st.IncrementRunStats(ctx, def.ID, store.RunDelta{Runs: 1, Successes: 1, LastRun: &lr})
	}
	if f.fired != nil {
		select {
		case f.fired <- def.ID:
		default:
		}
	}
	return executor.Outcome{Success: true}
}

func (f *fakeRunner) DryRun(context.Context, *schedule.Definition) executor.Outcome {
	f.mu.Lock()
	f.drys++
	f.mu.Unlock()
	return executor.Outcome{Success: true, Generated: 1}
}

func (f *fakeRunner) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}

// farExecTime returns a target comfortably away from the current wall clock
// so a live loop under test never becomes eligible.
func farExecTime(loc *time.Location) string {
	return time.Now().In(loc).Add(6 * time.Hour).Format("15:04")
}

func activeDef(t *testing.T, st store.Store, id, execTime string) *schedule.Definition {
	t.Helper()
	ctx := context.Background()
	def := &schedule.Definition{
		ID:                 id,
		Name:               "loop test " + id,
		Type:               schedule.TypeWeekdayDaily,
		DailyExecutionTime: execTime,
		Timezone:           "UTC",
	}
	if err := st.Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.UpdateStatus(ctx, id, schedule.StatusActive, store.StatusUpdate{}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return def
}

func newTestSupervisor(st store.Store, r Runner) (*Supervisor, *API) {
	sup := NewSupervisor(st, r, eventbus.New(), logx.Nop(), Options{
		PollInterval:      10 * time.Millisecond,
		ReconcileInterval: time.Minute,
	})
	return sup, NewAPI(sup)
}

func TestRunLoopDayGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	activeDef(t, st, "dg", "16:30")

	// Already ran today: the loop must go straight to sleeping for tomorrow.
	lr := time.Now().UTC()
	if err := st.IncrementRunStats(ctx, "dg", store.RunDelta{Runs: 1, Successes: 1, LastRun: &lr}); err != nil {
		t.Fatalf("seed last run: %v", err)
	}

	r := &fakeRunner{st: st}
	loop := newRunLoop("dg", st, r, logx.Nop(), Options{}.withDefaults())
	var slept []time.Duration
	loop.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return context.Canceled // one iteration is enough
	}
	loop.run(ctx)

	if r.execCount() != 0 {
		t.Fatalf("executor ran %d times despite day-guard", r.execCount())
	}
	if len(slept) != 1 || slept[0] <= 0 {
		t.Fatalf("slept = %v, want one positive sleep toward tomorrow", slept)
	}
	got, err := st.Get(ctx, "dg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now().UTC()) {
		t.Fatalf("next_run = %v, want persisted future timestamp", got.NextRun)
	}
}

func TestRunLoopTerminatesOnInactiveStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	def := activeDef(t, st, "term", "16:30")
	if err := st.UpdateStatus(ctx, def.ID, schedule.StatusCancelled, store.StatusUpdate{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	r := &fakeRunner{}
	loop := newRunLoop(def.ID, st, r, logx.Nop(), Options{}.withDefaults())
	loop.sleep = func(context.Context, time.Duration) error {
		t.Fatal("loop slept instead of terminating")
		return nil
	}
	loop.run(ctx)
	if r.execCount() != 0 {
		t.Fatalf("executor ran %d times for a cancelled schedule", r.execCount())
	}
}

func TestRunLoopVanishedScheduleTerminates(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	r := &fakeRunner{}
	loop := newRunLoop("ghost", st, r, logx.Nop(), Options{}.withDefaults())
	loop.sleep = func(context.Context, time.Duration) error {
		t.Fatal("loop slept for a schedule that does not exist")
		return nil
	}
	loop.run(context.Background())
}

// flakyStore fails the first N reads, then delegates.
type flakyStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Get(ctx context.Context, id string) (*schedule.Definition, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("disk on fire")
	}
	f.mu.Unlock()
	return f.Store.Get(ctx, id)
}

func TestRunLoopRetriesStoreErrors(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	activeDef(t, mem, "flaky", "16:30")
	st := &flakyStore{Store: mem, fails: 2}

	opts := Options{StoreRetryDelay: time.Hour}.withDefaults()
	loop := newRunLoop("flaky", st, &fakeRunner{}, logx.Nop(), opts)
	var slept []time.Duration
	loop.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) >= 3 {
			return context.Canceled
		}
		return nil
	}
	loop.run(context.Background())

	// Two error backoffs at the retry delay, then a normal sleep.
	if len(slept) < 2 || slept[0] != time.Hour || slept[1] != time.Hour {
		t.Fatalf("slept = %v, want two 1h retry delays first", slept)
	}
}

func TestRunLoopOneShotCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	def := &schedule.Definition{
		ID:          "oneshot",
		Type:        schedule.TypeImmediate,
		AutoPosting: true,
		PostIDs:     schedule.StringList{"p1"},
	}
	if err := st.Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.UpdateStatus(ctx, def.ID, schedule.StatusActive, store.StatusUpdate{}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	r := &fakeRunner{st: st}
	loop := newRunLoop(def.ID, st, r, logx.Nop(), Options{}.withDefaults())
	loop.run(ctx) // must return on its own

	if r.execCount() != 1 {
		t.Fatalf("executor ran %d times, want exactly 1", r.execCount())
	}
	got, err := st.Get(ctx, def.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schedule.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("status = %s completed_at = %v, want completed with timestamp", got.Status, got.CompletedAt)
	}
}

func TestCreateStartCancelRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	r := &fakeRunner{st: st}
	s, api := newTestSupervisor(st, r)

	res := api.Create(ctx, &schedule.Definition{
		Type:               schedule.TypeWeekdayDaily,
		DailyExecutionTime: farExecTime(time.UTC),
		Timezone:           "UTC",
	})
	if !res.OK || res.ID == "" {
		t.Fatalf("create = %+v, want OK with id", res)
	}
	id := res.ID

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schedule.StatusPending || got.Name == "" || got.Timezone == "" {
		t.Fatalf("created = %+v, want pending with derived name and timezone", got)
	}

	if res := api.Start(ctx, id); !res.OK {
		t.Fatalf("start = %+v", res)
	}
	got, err = st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schedule.StatusActive || got.StartedAt == nil {
		t.Fatalf("after start: %+v, want active with started_at", got)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now().UTC().Add(-time.Minute)) {
		t.Fatalf("next_run = %v, want set", got.NextRun)
	}
	if !s.Supervised(id) {
		t.Fatal("no live loop after start")
	}

	// Re-start is idempotent.
	if res := api.Start(ctx, id); !res.OK {
		t.Fatalf("idempotent start = %+v", res)
	}

	if res := api.Cancel(ctx, id); !res.OK {
		t.Fatalf("cancel = %+v", res)
	}
	got, err = st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schedule.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if s.Supervised(id) {
		t.Fatal("loop still live after cancel")
	}
	if got.RunCount != 0 {
		t.Fatalf("run_count = %d, schedule executed despite far-off target", got.RunCount)
	}
}

func TestStartRejectsInvalidStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_, api := newTestSupervisor(st, &fakeRunner{})

	if res := api.Start(ctx, "missing"); res.OK {
		t.Fatalf("start missing = %+v, want failure", res)
	}

	def := &schedule.Definition{ID: "done", Type: schedule.TypeWeekdayDaily}
	if err := st.Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.UpdateStatus(ctx, "done", schedule.StatusCompleted, store.StatusUpdate{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res := api.Start(ctx, "done"); res.OK {
		t.Fatalf("start completed = %+v, want failure", res)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, api := newTestSupervisor(store.NewMemory(), &fakeRunner{})
	if res := api.Create(context.Background(), &schedule.Definition{Type: "hourly"}); res.OK {
		t.Fatalf("create = %+v, want failure", res)
	}
	if res := api.Create(context.Background(), nil); res.OK {
		t.Fatalf("create nil = %+v, want failure", res)
	}
}

func TestExecuteNowLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	r := &fakeRunner{}
	_, api := newTestSupervisor(st, r)

	res := api.Create(ctx, &schedule.Definition{
		Type:               schedule.TypeWeekdayDaily,
		DailyExecutionTime: "16:30",
	})
	if !res.OK {
		t.Fatalf("create = %+v", res)
	}

	out := api.ExecuteNow(ctx, res.ID)
	if !out.OK {
		t.Fatalf("execute now = %+v", out)
	}
	if r.drys != 1 || r.execs != 0 {
		t.Fatalf("drys = %d execs = %d, want dry run only", r.drys, r.execs)
	}

	got, err := st.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schedule.StatusPending || got.LastRun != nil || got.RunCount != 0 {
		t.Fatalf("scheduling state mutated: %+v", got)
	}
}

func TestSetAutoPosting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_, api := newTestSupervisor(st, &fakeRunner{})

	res := api.Create(ctx, &schedule.Definition{Type: schedule.TypeWeekdayDaily})
	if !res.OK {
		t.Fatalf("create = %+v", res)
	}
	if out := api.SetAutoPosting(ctx, res.ID, true); !out.OK {
		t.Fatalf("set auto posting = %+v", out)
	}
	got, err := st.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.AutoPosting {
		t.Fatal("auto_posting not set")
	}
	if out := api.SetAutoPosting(ctx, "missing", true); out.OK {
		t.Fatalf("set on missing = %+v, want failure", out)
	}
}

func TestReconcileStopsExternallyCancelledLoops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	r := &fakeRunner{st: st}
	s, api := newTestSupervisor(st, r)

	res := api.Create(ctx, &schedule.Definition{
		Type:               schedule.TypeWeekdayDaily,
		DailyExecutionTime: farExecTime(time.UTC),
		Timezone:           "UTC",
	})
	if !res.OK {
		t.Fatalf("create = %+v", res)
	}
	if out := api.Start(ctx, res.ID); !out.OK {
		t.Fatalf("start = %+v", out)
	}
	if !s.Supervised(res.ID) {
		t.Fatal("no live loop after start")
	}

	// Flip the status behind the supervisor's back, as an external tool would.
	if err := st.UpdateStatus(ctx, res.ID, schedule.StatusCancelled, store.StatusUpdate{}); err != nil {
		t.Fatalf("external cancel: %v", err)
	}
	s.Reconcile(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Supervised(res.ID) {
		if time.Now().After(deadline) {
			t.Fatal("loop still live after reconciliation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconcileSpawnsNewlyActiveLoops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	s, _ := newTestSupervisor(st, &fakeRunner{st: st})

	def := activeDef(t, st, "external", farExecTime(time.UTC))
	if s.Supervised(def.ID) {
		t.Fatal("loop live before reconcile")
	}
	s.Reconcile(ctx)
	if !s.Supervised(def.ID) {
		t.Fatal("reconcile did not spawn a loop for the newly active schedule")
	}
	s.stopLoop(def.ID)
}

func TestSupervisorStartStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	activeDef(t, st, "seeded", farExecTime(time.UTC))
	s, _ := newTestSupervisor(st, &fakeRunner{st: st})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Supervised("seeded") {
		t.Fatal("supervisor did not seed a loop for the active schedule")
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
	s.Stop()
	if s.Supervised("seeded") {
		t.Fatal("loop survived stop")
	}
	s.Stop() // idempotent
}

func TestRunLoopExecutesInsideWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	now := time.Now().UTC()
	def := &schedule.Definition{
		ID:                 "window",
		Type:               schedule.TypeWeekdayDaily,
		DailyExecutionTime: now.Format("15:04"),
		Timezone:           "UTC",
		// WeekdaysOnly off so the test is weekend-proof.
	}
	if err := st.Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.UpdateStatus(ctx, def.ID, schedule.StatusActive, store.StatusUpdate{}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	r := &fakeRunner{st: st}
	loop := newRunLoop(def.ID, st, r, logx.Nop(), Options{}.withDefaults())
	var slept int
	loop.sleep = func(_ context.Context, d time.Duration) error {
		slept++
		if slept > 3 {
			return context.Canceled
		}
		return nil
	}
	loop.run(ctx)

	if r.execCount() != 1 {
		t.Fatalf("executor ran %d times, want exactly once (day-guard after first run)", r.execCount())
	}
	got, err := st.Get(ctx, def.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 1 || got.NextRun == nil {
		t.Fatalf("run_count = %d next_run = %v, want 1 run and a persisted next run", got.RunCount, got.NextRun)
	}
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()
	r := newHistoryRing(3)
	for i := 0; i < 5; i++ {
		r.add(RunRecord{ScheduleID: "a", Posts: i})
	}
	r.add(RunRecord{ScheduleID: "b"})

	got := r.forSchedule("a")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (ring capped at 3 with one b entry)", len(got))
	}
	if got[0].Posts != 4 || got[1].Posts != 3 {
		t.Fatalf("order = %+v, want newest first", got)
	}
}
