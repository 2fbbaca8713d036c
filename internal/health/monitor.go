// Package health probes the process's collaborators (storage, messaging
// sink, scheduler liveness) and exposes the verdict over HTTP and systemd
// notifications.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "worklog/pkg/logx"
)

// Pinger is any collaborator that can be probed for reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SchedulerInfo is what the monitor needs from the job scheduler to judge
// its liveness without reaching into its internals.
type SchedulerInfo interface {
	LastTick() time.Time
	Tick() time.Duration
	// Overdue counts idle jobs whose next-fire time is more than grace in
	// the past.
	Overdue(now time.Time, grace time.Duration) int
}

type Config struct {
	Addr string
	// ProbeTimeout bounds each collaborator probe individually so one
	// hung dependency cannot mask the state of the others.
	ProbeTimeout time.Duration
	// StaleFactor: the scheduler is unhealthy when its last tick is older
	// than StaleFactor times the tick interval.
	StaleFactor int
}

// Check is the outcome of one probe.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Verdict aggregates all probes. Healthy only when every check passed.
type Verdict struct {
	Healthy bool      `json:"healthy"`
	At      time.Time `json:"at"`
	Checks  []Check   `json:"checks"`
}

type Monitor struct {
	cfg   Config
	log   logx.Logger
	store Pinger
	sink  Pinger
	sched SchedulerInfo

	srv *http.Server
}

func New(cfg Config, store, sink Pinger, sched SchedulerInfo, log logx.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{cfg: cfg, log: log, store: store, sink: sink, sched: sched}
}

// Evaluate runs all probes, each under its own timeout.
func (m *Monitor) Evaluate(ctx context.Context) Verdict {
	v := Verdict{Healthy: true, At: time.Now().UTC()}

	v.add(m.probe(ctx, "storage", m.store))
	v.add(m.probe(ctx, "sink", m.sink))
	v.add(m.schedulerCheck())
	return v
}

func (v *Verdict) add(c Check) {
	v.Checks = append(v.Checks, c)
	if !c.OK {
		v.Healthy = false
	}
}

func (m *Monitor) probe(ctx context.Context, name string, p Pinger) Check {
	if p == nil {
		return Check{Name: name, OK: true, Detail: "not configured"}
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		return Check{Name: name, OK: false, Detail: err.Error()}
	}
	return Check{Name: name, OK: true}
}

// schedulerCheck judges tick-loop liveness. A zero last tick means the loop
// has not run yet, which is fine right after startup but stale thereafter;
// we treat it as healthy to avoid flapping during boot.
func (m *Monitor) schedulerCheck() Check {
	if m.sched == nil {
		return Check{Name: "scheduler", OK: true, Detail: "not configured"}
	}
	last := m.sched.LastTick()
	if last.IsZero() {
		return Check{Name: "scheduler", OK: true, Detail: "no tick yet"}
	}
	limit := time.Duration(m.cfg.StaleFactor) * m.sched.Tick()
	if age := time.Since(last); age > limit {
		return Check{Name: "scheduler", OK: false, Detail: "tick loop stale: " + age.Round(time.Second).String()}
	}
	if n := m.sched.Overdue(time.Now(), limit); n > 0 {
		return Check{Name: "scheduler", OK: false, Detail: fmt.Sprintf("%d jobs overdue", n)}
	}
	return Check{Name: "scheduler", OK: true}
}

// Router exposes /healthz (full verdict, 503 when degraded) and /livez
// (bare process liveness for supervisors that only restart on hangs).
func (m *Monitor) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		v := m.Evaluate(req.Context())
		code := http.StatusOK
		if !v.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, v)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve starts the HTTP surface when an address is configured. Non-blocking.
func (m *Monitor) Serve() {
	if m.cfg.Addr == "" {
		return
	}
	m.srv = &http.Server{
		Addr:              m.cfg.Addr,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		m.log.Info("health endpoint listening", logx.String("addr", m.cfg.Addr))
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("health endpoint failed", logx.Err(err))
		}
	}()
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// NotifyReady tells systemd the unit is up. Harmless outside systemd.
func (m *Monitor) NotifyReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		m.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		m.log.Debug("sd_notify ready sent")
	}
}

// WatchdogLoop feeds the systemd watchdog at half its interval while the
// process stays healthy. Returns immediately when the watchdog is disabled.
func (m *Monitor) WatchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if v := m.Evaluate(ctx); v.Healthy {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			} else {
				m.log.Warn("watchdog feed withheld, process unhealthy")
			}
		}
	}
}
