// Package retrypolicy wraps calls to flaky collaborators (timezone lookup,
// messaging) in a declarative retry policy so the business code stays free
// of backoff loops.
package retrypolicy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	logx "worklog/pkg/logx"
)

// Policy describes bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64 // 0.2 = +-20%
}

// Default returns the policy used for external lookups unless configured
// otherwise.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    15 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	return p
}

// Do runs fn up to MaxAttempts times, sleeping between attempts and
// honoring ctx cancellation during the sleep.
func (p Policy) Do(ctx context.Context, log logx.Logger, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.delay(attempt)
		log.Warn("operation failed, retrying",
			logx.String("op", op),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", p.MaxAttempts),
			logx.Duration("delay", delay),
			logx.Err(lastErr),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

// delay computes the backoff before the given retry (attempt starts at 1).
func (p Policy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}
