package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hihihowru/forum-autoposter-sub001/internal/eventbus"
	"github.com/hihihowru/forum-autoposter-sub001/internal/executor"
	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	"github.com/hihihowru/forum-autoposter-sub001/internal/scheduler"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

type stubRunner struct{}

func (stubRunner) Execute(context.Context, *schedule.Definition) executor.Outcome {
	return executor.Outcome{Success: true}
}

func (stubRunner) DryRun(context.Context, *schedule.Definition) executor.Outcome {
	return executor.Outcome{Success: true, Generated: 2, Published: 2}
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	sup := scheduler.NewSupervisor(st, stubRunner{}, eventbus.New(), logx.Nop(), scheduler.Options{})
	return New(scheduler.NewAPI(sup), logx.Nop()), st
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCreateStartGetFlow(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	h := srv.Handler()

	// Far-future target so the spawned loop stays idle during the test.
	target := time.Now().UTC().Add(6 * time.Hour).Format("15:04")
	w := doJSON(t, h, http.MethodPost, "/api/schedules", `{
		"schedule_type": "weekday_daily",
		"name": "close wrap",
		"daily_execution_time": "`+target+`",
		"timezone": "UTC",
		"weekdays_only": true,
		"auto_posting": true,
		"generation_config": {"trigger_type": "close"}
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body.String())
	}
	var res scheduler.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK || res.ID == "" {
		t.Fatalf("create result = %+v", res)
	}
	id := res.ID

	w = doJSON(t, h, http.MethodPost, "/api/schedules/"+id+"/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d body = %s", w.Code, w.Body.String())
	}

	got, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schedule.StatusActive || got.NextRun == nil {
		t.Fatalf("schedule after start = %+v, want active with next_run", got)
	}

	w = doJSON(t, h, http.MethodGet, "/api/schedules/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var detail struct {
		Schedule   schedule.Definition `json:"schedule"`
		Supervised bool                `json:"supervised"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Schedule.ID != id || !detail.Supervised {
		t.Fatalf("detail = %+v, want supervised schedule", detail)
	}

	w = doJSON(t, h, http.MethodPost, "/api/schedules/"+id+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	got, err = st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schedule.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"missing type", `{"name": "x"}`},
		{"unknown type", `{"schedule_type": "hourly"}`},
		{"malformed json", `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := doJSON(t, h, http.MethodPost, "/api/schedules", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetMissingIs404(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/schedules/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	h := srv.Handler()

	def := &schedule.Definition{ID: "ex1", Type: schedule.TypeWeekdayDaily}
	if err := st.Create(context.Background(), def); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := doJSON(t, h, http.MethodPost, "/api/schedules/ex1/execute", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var res scheduler.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK || !strings.Contains(res.Message, "2 generated") {
		t.Fatalf("result = %+v", res)
	}

	// Dry path: nothing recorded.
	got, err := st.Get(context.Background(), "ex1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 0 || got.Status != schedule.StatusPending {
		t.Fatalf("execute mutated scheduling state: %+v", got)
	}
}

func TestAutoPostingEndpoint(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	h := srv.Handler()

	def := &schedule.Definition{ID: "ap1", Type: schedule.TypeWeekdayDaily}
	if err := st.Create(context.Background(), def); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := doJSON(t, h, http.MethodPut, "/api/schedules/ap1/auto-posting", `{"enabled": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	got, err := st.Get(context.Background(), "ap1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.AutoPosting {
		t.Fatal("auto_posting not flipped")
	}

	w = doJSON(t, h, http.MethodPut, "/api/schedules/ap1/auto-posting", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing enabled flag", w.Code)
	}

	w = doJSON(t, h, http.MethodPut, "/api/schedules/missing/auto-posting", `{"enabled": false}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown schedule", w.Code)
	}
}

func TestListEndpoint(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	for _, id := range []string{"a", "b"} {
		if err := st.Create(context.Background(), &schedule.Definition{ID: id, Type: schedule.TypeImmediate}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/schedules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Count     int                    `json:"count"`
		Schedules []*schedule.Definition `json:"schedules"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Schedules) != 2 {
		t.Fatalf("list = %+v, want 2 schedules", body)
	}
}
