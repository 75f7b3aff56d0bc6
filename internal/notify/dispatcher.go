package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrQueueFull = errors.New("notification queue is full")

type Kind string

const (
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalDecided   Kind = "approval_decided"
	KindApprovalExpired   Kind = "approval_expired"
	KindApprovalEscalated Kind = "approval_escalated"
	KindEmergencyMode     Kind = "emergency_mode"
)

// Notification is one message bound for a human channel.
type Notification struct {
	ID        string
	Kind      Kind
	RequestID string
	Action    string
	Recipient string
	Subject   string
	Body      string
	Urgency   string
	CreatedAt time.Time
}

// Notifier delivers one notification. Implementations own their own
// transport retries; the dispatcher never retries.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier is the default sink: it writes notifications to the
// structured log and always succeeds.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Name() string { return "log" }

func (n LogNotifier) Notify(_ context.Context, notification Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification delivered",
		"notification_id", notification.ID, "kind", notification.Kind,
		"request_id", notification.RequestID, "recipient", notification.Recipient,
		"subject", notification.Subject, "urgency", notification.Urgency)
	return nil
}

// Dispatcher fans notifications out to every registered notifier from a
// bounded queue. Enqueue never blocks the caller.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan Notification
	logger    *slog.Logger
	startOnce sync.Once
}

func NewDispatcher(queueSize int, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if queueSize < 1 {
		queueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(notifiers) == 0 {
		notifiers = []Notifier{LogNotifier{Logger: logger}}
	}
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan Notification, queueSize),
		logger:    logger,
	}
}

// Start drains the queue until the context ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	started := false
	d.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("dispatcher already started")
	}

	d.logger.Info("notification dispatcher started", "notifiers", len(d.notifiers))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopped")
			return nil
		case notification := <-d.queue:
			d.deliver(ctx, notification)
		}
	}
}

// Enqueue queues a notification for delivery. A full queue drops the
// message with an error rather than stalling the approval path.
func (d *Dispatcher) Enqueue(notification Notification) (Notification, error) {
	if notification.ID == "" {
		notification.ID = "notif_" + uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}

	select {
	case d.queue <- notification:
		return notification, nil
	default:
		d.logger.Warn("notification dropped, queue full",
			"notification_id", notification.ID, "kind", notification.Kind, "request_id", notification.RequestID)
		return Notification{}, ErrQueueFull
	}
}

func (d *Dispatcher) deliver(ctx context.Context, notification Notification) {
	for _, notifier := range d.notifiers {
		deliverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := notifier.Notify(deliverCtx, notification); err != nil {
			d.logger.Error("notification delivery failed",
				"notification_id", notification.ID, "notifier", notifier.Name(), "error", err)
		}
		cancel()
	}
}
