// Package notify sends operator alerts about batch runs and episodes to chat
// webhooks. Alerts are filtered by event name.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/ordersim/internal/config"
)

// Event names emitted by the runners and the session service.
const (
	EventBaselineFinished = "baseline_finished"
	EventReplayFailed     = "replay_failed"
	EventEpisodeComplete  = "episode_complete"
)

// Sender delivers one alert to one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]struct{}
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list lets every event through.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// FromConfig builds senders for every configured channel. It returns nil when
// no channel is configured.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	var senders []Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, NewDiscordSender(cfg.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		return nil
	}
	return NewNotifier(senders, cfg.Events, logger)
}

// Enabled reports whether event passes the filter.
func (n *Notifier) Enabled(event string) bool {
	if len(n.events) == 0 {
		return true
	}
	_, ok := n.events[event]
	return ok
}

// Notify delivers an alert if the event is enabled. A failing sender does not
// stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	if !n.Enabled(event) {
		n.logger.DebugContext(ctx, "event filtered", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "send failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %s: %w", event, err)
	}
	return nil
}
