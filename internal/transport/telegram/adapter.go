// Package telegram implements the outbound event sink on top of the
// Telegram Bot API. Only delivery lives here; which events exist and when
// they fire is decided by the core.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

type Config struct {
	Token string
	// ServiceChatID receives service-level events (backup requests, job
	// failures). User events go to the user's own chat.
	ServiceChatID int64
	PollTimeout   time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Deliver(ctx context.Context, ev domain.Event) error {
	chatID := ev.UserID
	if chatID == 0 {
		chatID = a.cfg.ServiceChatID
	}
	if chatID == 0 {
		a.log.Debug("event has no destination chat; dropped",
			logx.String("event", string(ev.Type)), logx.String("id", ev.ID))
		return nil
	}

	payload, err := json.Marshal(struct {
		Type domain.EventType `json:"type"`
		At   time.Time        `json:"at"`
		Data any              `json:"data,omitempty"`
	}{Type: ev.Type, At: ev.At, Data: ev.Data})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	// telebot has no context-aware send; bound the call ourselves so a
	// stalled API never wedges a dispatch worker.
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(tele.ChatID(chatID), string(payload))
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Ping issues getMe, the cheapest authenticated API call.
func (a *Adapter) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Raw("getMe", nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Dispatcher routes one inbound command envelope through the core.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) (any, error)
}

// Listen starts long polling and forwards slash commands to the dispatcher
// as structured envelopes: "/reports 2026-08-01T00:00:00Z ..." becomes
// class "reports" with the remaining tokens as args. Results go back as
// JSON; proper rendering is a separate collaborator's concern.
func (a *Adapter) Listen(ctx context.Context, d Dispatcher) {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if c.Sender() == nil {
			return nil
		}
		fields := strings.Fields(c.Text())
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
			return nil
		}
		cmd := domain.Command{
			UserID:     c.Sender().ID,
			Username:   c.Sender().Username,
			Class:      strings.TrimPrefix(fields[0], "/"),
			Args:       fields[1:],
			ReceivedAt: time.Now(),
		}
		res, err := d.Dispatch(ctx, cmd)
		if err != nil {
			a.log.Debug("command rejected",
				logx.String("class", cmd.Class), logx.Int64("user", cmd.UserID), logx.Err(err))
			return c.Send(err.Error())
		}
		if res == nil {
			return nil
		}
		body, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		return c.Send(string(body))
	})
	go a.bot.Start()
}

func (a *Adapter) Close() error {
	a.bot.Stop()
	return nil
}
