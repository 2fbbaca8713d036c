package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	// Timezone is the fixed reference zone for service-level jobs
	// (cleanup, backup). Jobs may override it per trigger.
	Timezone string
	// Tick is the trigger evaluation interval. Triggers are compared
	// against the wall clock once per tick; sub-tick precision is not a
	// goal here.
	Tick           time.Duration
	DefaultTimeout time.Duration
	HistorySize    int
}

// Job is a named recurring trigger plus its callback.
//
// Callbacks that iterate over many users must check ctx between users so
// Stop() can bound shutdown latency.
type Job struct {
	ID      string
	Spec    string // cron expression or descriptor ("0 23 * * 0", "@daily", "@every 1h")
	Zone    string // IANA zone for trigger evaluation; "" uses Config.Timezone
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Run outcomes recorded in the job descriptor.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped, previous run in progress"
)

// Descriptor is the externally visible state of one registered job.
type Descriptor struct {
	ID          string
	Spec        string
	Zone        string
	NextFire    time.Time
	LastRun     time.Time
	LastOutcome string
	Running     bool
	Runs        uint64
	Skips       uint64
	Failures    uint64
}

// HistoryItem is one completed (or skipped) run.
type HistoryItem struct {
	JobID    string
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Error    string
}

// Publisher is where job failures are reported as events. The dispatch
// pipeline implements it.
type Publisher interface {
	Publish(ev domain.Event) error
}

// ZoneLoader resolves zone names for trigger evaluation. The timezone
// resolver implements it; the default falls back to the local tz database.
type ZoneLoader interface {
	Location(name string) (*time.Location, error)
}

type zoneLoaderFunc func(name string) (*time.Location, error)

func (f zoneLoaderFunc) Location(name string) (*time.Location, error) { return f(name) }

// jobState is the scheduler-owned mutable state of one job. The running
// flag is the sole mutual-exclusion primitive preventing re-entrant
// execution; it is set before the callback is invoked and cleared on every
// exit path, panics included.
type jobState struct {
	job   Job
	sched cron.Schedule
	loc   *time.Location

	mu          sync.Mutex
	running     bool
	nextFire    time.Time
	lastRun     time.Time
	lastOutcome string
	runs        uint64
	skips       uint64
	failures    uint64
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	parser cron.Parser
	zones  ZoneLoader
	events Publisher

	jobs  map[string]*jobState
	order []string // registration order, for stable snapshots

	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
	runWG     sync.WaitGroup

	lastTickNano int64 // atomic; liveness signal for the health monitor

	hmu     sync.Mutex
	history []HistoryItem
}
