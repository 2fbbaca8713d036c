// Package transport defines the narrow contract toward the messaging
// collaborator. The core hands over structured events; rendering and
// delivery details stay on the other side of this interface.
package transport

import (
	"context"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

// Sink delivers one structured event to the messaging channel.
type Sink interface {
	Deliver(ctx context.Context, ev domain.Event) error
	// Ping verifies channel reachability for the health monitor.
	Ping(ctx context.Context) error
	Close() error
}

// LogSink writes events to the log instead of a chat channel. It stands in
// when no messaging credentials are configured, so the pipeline stays fully
// wired in development and tests.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(_ context.Context, ev domain.Event) error {
	s.log.Info("event",
		logx.String("type", string(ev.Type)),
		logx.Int64("user", ev.UserID),
		logx.Any("data", ev.Data))
	return nil
}

func (s *LogSink) Ping(context.Context) error { return nil }
func (s *LogSink) Close() error               { return nil }
