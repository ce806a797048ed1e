// Package notify sends best-effort Slack notifications for terminal run
// outcomes: same noop-when-unconfigured construction and context-aware
// PostMessage calls as a typical alerting Notifier, narrowed here to a
// single run-lifecycle message instead of a full alert/modal/DM surface,
// since this control plane has no on-call roster or interactive Slack app
// to drive those other paths.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/oroboros/controlplane/internal/telemetry"
	"github.com/oroboros/controlplane/pkg/run"
)

// Notifier posts run completion/failure messages to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken or channel is empty, the notifier is a
// noop: calls succeed but send nothing, so callers never need to branch on
// whether Slack is configured.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a client and destination channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// RunTerminal notifies that a run reached a terminal status (merged, failed,
// canceled, or expired). It never returns an error to the caller; failures
// are logged and counted so a flaky Slack API never blocks the run pipeline.
func (n *Notifier) RunTerminal(ctx context.Context, r run.Row) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping run notification",
			"run_id", r.ID, "status", r.Status)
		return
	}

	text := fmt.Sprintf("%s run %s %q is *%s*", emoji(r.Status), r.ID, r.Title, r.Status)
	if r.FailureReason != nil {
		text += fmt.Sprintf(" (%s)", *r.FailureReason)
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Warn("posting run notification to slack", "run_id", r.ID, "error", err)
		telemetry.SlackNotificationsTotal.WithLabelValues("error").Inc()
		return
	}
	telemetry.SlackNotificationsTotal.WithLabelValues("ok").Inc()
}

func emoji(status string) string {
	switch status {
	case "merged":
		return ":white_check_mark:"
	case "failed":
		return ":x:"
	case "canceled":
		return ":no_entry_sign:"
	case "expired":
		return ":hourglass:"
	default:
		return ":information_source:"
	}
}
