package command

import (
	"context"
	"time"

	"worklog/internal/domain"
	"worklog/internal/ratelimit"
	logx "worklog/pkg/logx"
)

type RouterConfig struct {
	HandlerTimeout time.Duration
}

// Router maps command classes to handlers, each wrapped in the interceptor
// chain. Unknown classes run the default handler, which only records the
// user (so rate state and user rows exist before any real command).
type Router struct {
	chain    []Middleware
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

func NewRouter(cfg RouterConfig, h *Handlers, gov *ratelimit.Governor, log logx.Logger) *Router {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	chain := []Middleware{
		MWRecover(log),
		MWLog(log),
		MWRateLimit(gov),
		MWTimeout(cfg.HandlerTimeout),
	}
	r := &Router{
		chain:    chain,
		handlers: map[string]HandlerFunc{},
		fallback: Chain(func(context.Context, *Request) error { return nil }, chain...),
	}
	r.handlers[domain.ClassAddRecord] = Chain(h.AddRecord, chain...)
	r.handlers[domain.ClassWorkplaces] = Chain(h.Workplaces, chain...)
	r.handlers[domain.ClassReports] = Chain(h.Reports, chain...)
	r.handlers[domain.ClassSettings] = Chain(h.Settings, chain...)
	return r
}

// Dispatch runs one command through its chain and returns the structured
// result. Rate rejections surface as ratelimit.ErrQuotaExceeded.
func (r *Router) Dispatch(ctx context.Context, cmd domain.Command) (any, error) {
	h, ok := r.handlers[cmd.Class]
	if !ok {
		h = r.fallback
	}
	req := &Request{Cmd: cmd}
	if err := h(ctx, req); err != nil {
		return nil, err
	}
	return req.Result, nil
}
