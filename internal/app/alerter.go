package app

import (
	"log/slog"

	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/notify"
)

// dispatchAlerter forwards severe audit entries to the notification
// dispatcher so an operator hears about critical events without polling the
// audit endpoints.
type dispatchAlerter struct {
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

func newDispatchAlerter(dispatcher *notify.Dispatcher, logger *slog.Logger) *dispatchAlerter {
	return &dispatchAlerter{dispatcher: dispatcher, logger: logger}
}

func (a *dispatchAlerter) Alert(entry audit.Entry) {
	if a.dispatcher == nil {
		return
	}
	if _, err := a.dispatcher.Enqueue(notify.Notification{
		Kind:      notify.KindEmergencyMode,
		Action:    entry.Action.Name,
		Recipient: "operator",
		Subject:   "severe audit event: " + string(entry.EventType),
		Body:      entry.Outcome.Message,
		Urgency:   string(entry.Severity),
	}); err != nil {
		a.logger.Warn("severe audit alert dropped", "entry_id", entry.ID, "error", err)
	}
}
