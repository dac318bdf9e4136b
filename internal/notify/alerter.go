package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notification is the system-level message shown when a reminder fires.
type Notification struct {
	ReminderID string
	Title      string
	Body       string
}

// DefaultVibration is the pattern used for fired reminders.
var DefaultVibration = []time.Duration{200 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// Alerter is the platform capability the scheduler fires through. Every
// method except ShowAlert is best-effort: errors are logged and ignored.
type Alerter interface {
	RequestPermission(ctx context.Context) (bool, error)
	PlayChime(ctx context.Context) error
	Notify(ctx context.Context, n Notification) error
	Vibrate(pattern []time.Duration) error
	// ShowAlert presents the interactive alert. The user's choice is made
	// through the Alert's methods.
	ShowAlert(a *Alert)
}

// LogAlerter writes every alert to a zap logger. It is the alerter of the
// headless host.
type LogAlerter struct {
	log *zap.Logger
}

func NewLogAlerter(log *zap.Logger) *LogAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlerter{log: log}
}

func (l *LogAlerter) RequestPermission(context.Context) (bool, error) { return true, nil }

func (l *LogAlerter) PlayChime(context.Context) error {
	l.log.Debug("chime")
	return nil
}

func (l *LogAlerter) Notify(_ context.Context, n Notification) error {
	l.log.Info("notification", zap.String("id", n.ReminderID), zap.String("title", n.Title), zap.String("body", n.Body))
	return nil
}

func (l *LogAlerter) Vibrate([]time.Duration) error { return nil }

func (l *LogAlerter) ShowAlert(a *Alert) {
	l.log.Info("reminder alert",
		zap.String("id", a.Reminder.ID),
		zap.String("title", a.Reminder.Title),
		zap.Time("due", a.Reminder.DueAt),
		zap.Int("minutesBefore", a.MinutesBefore))
}

// NopAlerter does nothing and never grants permission.
type NopAlerter struct{}

func (NopAlerter) RequestPermission(context.Context) (bool, error) { return false, nil }
func (NopAlerter) PlayChime(context.Context) error                  { return nil }
func (NopAlerter) Notify(context.Context, Notification) error       { return nil }
func (NopAlerter) Vibrate([]time.Duration) error                    { return nil }
func (NopAlerter) ShowAlert(*Alert)                                 {}
