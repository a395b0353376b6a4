package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the schedule record store. The scheduler treats the
	// store as the source of truth across restarts, so "none" is only useful
	// for throwaway experiments.
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the supervisor and per-schedule run loops.
	Scheduler SchedulerConfig `json:"scheduler"`

	// API controls the HTTP control surface.
	API APIConfig `json:"api,omitempty"`

	// Debug controls optional profiling endpoints.
	Debug DebugConfig `json:"debug,omitempty"`
}

// DebugConfig groups developer/operator diagnostics.
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof,omitempty"`
}

type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./autoposter.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the supervisor and run loops.
//
// All durations are Go duration strings (e.g. "30s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Asia/Taipei"
//   - poll_interval: "30s"
//   - reconcile_interval: "2m"
//   - grace_window: "90s"
//   - history_size: 200
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the default IANA zone for schedules that don't carry one.
	Timezone string `json:"timezone,omitempty"`

	// PollInterval is how often an idle run loop re-checks eligibility.
	// Keep it well below the grace window or narrow targets can be missed.
	PollInterval string `json:"poll_interval,omitempty"`

	// ReconcileInterval is how often the supervisor re-syncs live loops
	// against the store's set of active schedules.
	ReconcileInterval string `json:"reconcile_interval,omitempty"`

	// GraceWindow is how long after a point target a run still counts as
	// on-time. Firing before the target is never allowed.
	GraceWindow string `json:"grace_window,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// APIConfig controls the HTTP control surface.
//
// Security note: prefer binding to localhost; the API carries no auth of its
// own and is meant to sit behind an operator-only network boundary.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
}
