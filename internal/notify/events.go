package notify

import (
	"sync"
	"time"

	"reminder-store/internal/reminder"
)

type EventType string

const (
	EventFired             EventType = "notification-fired"
	EventCompleteRequested EventType = "reminder-complete-requested"
	EventSnoozeRequested   EventType = "reminder-snooze-requested"
	EventDismissed         EventType = "reminder-dismissed"
)

// DefaultSnoozeMinutes is used when an alert is snoozed without a duration.
const DefaultSnoozeMinutes = 10

// Event is an intent emitted to subscribers. The scheduler never acts on
// its own events; persisting them is the subscriber's job.
type Event struct {
	Type       EventType
	ReminderID string
	// Reminder is the snapshot taken when the timer was armed. Set on
	// EventFired only.
	Reminder      *reminder.Reminder
	MinutesBefore int
	SnoozeMinutes int
	At            time.Time
}

// Alert is the interactive alert for one fired reminder. The first of
// Complete, Snooze or Dismiss emits its event; later calls do nothing.
type Alert struct {
	Reminder      *reminder.Reminder
	MinutesBefore int
	FiredAt       time.Time

	once sync.Once
	emit func(Event)
	now  func() time.Time
}

func newAlert(snapshot *reminder.Reminder, minutesBefore int, firedAt time.Time, emit func(Event), now func() time.Time) *Alert {
	return &Alert{
		Reminder:      snapshot,
		MinutesBefore: minutesBefore,
		FiredAt:       firedAt,
		emit:          emit,
		now:           now,
	}
}

func (a *Alert) resolve(e Event) bool {
	resolved := false
	a.once.Do(func() {
		resolved = true
		e.ReminderID = a.Reminder.ID
		e.At = a.now()
		a.emit(e)
	})
	return resolved
}

// Complete asks the subscriber to mark the reminder completed.
func (a *Alert) Complete() bool {
	return a.resolve(Event{Type: EventCompleteRequested})
}

// Snooze asks the subscriber to push the reminder back by minutes.
func (a *Alert) Snooze(minutes int) bool {
	if minutes <= 0 {
		minutes = DefaultSnoozeMinutes
	}
	return a.resolve(Event{Type: EventSnoozeRequested, SnoozeMinutes: minutes})
}

func (a *Alert) Dismiss() bool {
	return a.resolve(Event{Type: EventDismissed})
}
