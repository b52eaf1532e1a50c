// Package notify provides the coordinator's push-notification sink.
// Actual push delivery (APNs/FCM) is out of scope (spec §1); LogNotifier
// is the default implementation, recording what would have been sent
// through the same structured logger every other component uses.
package notify

import (
	"context"
	"log/slog"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
)

// LogNotifier implements collaborator.Notifier by logging at info level.
type LogNotifier struct {
	logger *slog.Logger
}

// New builds a LogNotifier.
func New(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify logs the notification that would have been pushed to the trader.
func (n *LogNotifier) Notify(_ context.Context, trader [33]byte, kind string, payload map[string]string) {
	args := make([]any, 0, len(payload)*2+2)
	args = append(args, "trader", trader, "kind", kind)
	for k, v := range payload {
		args = append(args, k, v)
	}
	n.logger.Info("notification", args...)
}

var _ collaborator.Notifier = (*LogNotifier)(nil)
