// Package command routes inbound command envelopes through an interceptor
// chain (recover, log, rate limit, timeout) to class handlers. Handlers
// return structured results; rendering belongs to the chat collaborator.
package command

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"worklog/internal/domain"
	"worklog/internal/ratelimit"
	logx "worklog/pkg/logx"
)

// Request carries one inbound command through the chain. Handlers set
// Result before returning.
type Request struct {
	Cmd    domain.Command
	Result any
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares around h; the first listed runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("class", req.Cmd.Class),
				logx.Int64("user", req.Cmd.UserID),
				logx.Duration("dur", d),
			}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Info("command ok", fields...)
			}
			return err
		}
	}
}

// MWRateLimit consults the governor before the handler runs. Rejection is
// ErrQuotaExceeded; the caller decides whether to notify or drop.
func MWRateLimit(gov *ratelimit.Governor) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			at := req.Cmd.ReceivedAt
			if at.IsZero() {
				at = time.Now()
			}
			if !gov.Admit(req.Cmd.UserID, req.Cmd.Class, at) {
				return ratelimit.ErrQuotaExceeded
			}
			return next(ctx, req)
		}
	}
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}
