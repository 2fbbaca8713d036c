package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "worklog/pkg/logx"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeSched struct {
	last    time.Time
	tick    time.Duration
	overdue int
}

func (f fakeSched) LastTick() time.Time { return f.last }
func (f fakeSched) Tick() time.Duration { return f.tick }

func (f fakeSched) Overdue(time.Time, time.Duration) int { return f.overdue }

func ok() pingFunc   { return func(context.Context) error { return nil } }
func down() pingFunc { return func(context.Context) error { return errors.New("unreachable") } }

func TestEvaluateAllHealthy(t *testing.T) {
	t.Parallel()
	m := New(Config{}, ok(), ok(), fakeSched{last: time.Now(), tick: 30 * time.Second}, logx.Nop())
	v := m.Evaluate(context.Background())
	require.True(t, v.Healthy)
	require.Len(t, v.Checks, 3)
}

func TestOneFailingProbeFlipsVerdict(t *testing.T) {
	t.Parallel()
	m := New(Config{}, down(), ok(), fakeSched{last: time.Now(), tick: 30 * time.Second}, logx.Nop())
	v := m.Evaluate(context.Background())
	require.False(t, v.Healthy)
	for _, c := range v.Checks {
		if c.Name == "storage" {
			require.False(t, c.OK)
			require.Contains(t, c.Detail, "unreachable")
		} else {
			require.True(t, c.OK)
		}
	}
}

func TestProbeTimeoutBoundsHungDependency(t *testing.T) {
	t.Parallel()
	hung := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := New(Config{ProbeTimeout: 20 * time.Millisecond}, hung, ok(), nil, logx.Nop())

	start := time.Now()
	v := m.Evaluate(context.Background())
	require.Less(t, time.Since(start), time.Second)
	require.False(t, v.Healthy)
}

func TestSchedulerStaleness(t *testing.T) {
	t.Parallel()
	tick := 10 * time.Second

	fresh := New(Config{StaleFactor: 5}, nil, nil, fakeSched{last: time.Now().Add(-20 * time.Second), tick: tick}, logx.Nop())
	require.True(t, fresh.Evaluate(context.Background()).Healthy)

	stale := New(Config{StaleFactor: 5}, nil, nil, fakeSched{last: time.Now().Add(-2 * time.Minute), tick: tick}, logx.Nop())
	require.False(t, stale.Evaluate(context.Background()).Healthy)

	// Before the first tick the loop has not started; do not flap at boot.
	booting := New(Config{StaleFactor: 5}, nil, nil, fakeSched{tick: tick}, logx.Nop())
	require.True(t, booting.Evaluate(context.Background()).Healthy)

	// A live tick loop with triggers left behind is still degraded.
	overdue := New(Config{StaleFactor: 5}, nil, nil, fakeSched{last: time.Now(), tick: tick, overdue: 2}, logx.Nop())
	v := overdue.Evaluate(context.Background())
	require.False(t, v.Healthy)
}

func TestHealthzStatusCodes(t *testing.T) {
	t.Parallel()

	healthy := New(Config{}, ok(), ok(), nil, logx.Nop())
	rec := httptest.NewRecorder()
	healthy.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var v Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.True(t, v.Healthy)

	unhealthy := New(Config{}, down(), ok(), nil, logx.Nop())
	rec = httptest.NewRecorder()
	unhealthy.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivezAlwaysOK(t *testing.T) {
	t.Parallel()
	m := New(Config{}, down(), down(), nil, logx.Nop())
	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
