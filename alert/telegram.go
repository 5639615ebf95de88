// Package alert sends best-effort Telegram notifications for operational
// failures — nonzero reconciliation rpcFailed counts, consumer watchdog
// restarts (one alert per restart), nonzero backfill exits. It never writes
// to chain or mutates the projection; a nil/disabled Notifier is a safe no-op.
package alert

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier sends operational alerts. A nil or disabled *Notifier is safe to
// call any alert method on: it just logs and returns.
type Notifier struct {
	mu     sync.Mutex
	api    *tgbotapi.BotAPI
	chatID int64
}

// New returns a disabled, non-nil Notifier (every alert is then a local-log
// no-op) when token is empty, matching the "optional: a nil token disables it" rule.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		return &Notifier{}, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("alert: create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("telegram alerting enabled")
	return &Notifier{api: api, chatID: chatID}, nil
}

func (n *Notifier) enabled() bool {
	return n != nil && n.api != nil && n.chatID != 0
}

func (n *Notifier) send(text string) {
	if !n.enabled() {
		log.Warn().Str("alert", text).Msg("telegram alert suppressed (disabled)")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram send failed")
	}
}

// ReconcileFailures reports a reconciliation run whose summary carried
// rpcFailed > 0.
func (n *Notifier) ReconcileFailures(mode string, rpcFailed int) {
	n.send(fmt.Sprintf("reconcile(%s): %d rpc failures", mode, rpcFailed))
}

// WatchdogRestart reports a consumer gateway restart; repeated calls within
// a short window are the caller's signal to escalate, not this package's.
func (n *Notifier) WatchdogRestart(topic string, at time.Time) {
	n.send(fmt.Sprintf("consumer watchdog restart: topic=%s at=%s", topic, at.Format(time.RFC3339)))
}

// BackfillFailed reports a backfill run that exited with chunk failures.
func (n *Notifier) BackfillFailed(err error) {
	n.send(fmt.Sprintf("backfill failed: %v", err))
}
