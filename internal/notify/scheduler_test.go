package notify_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"reminder-store/internal/notify"
	"reminder-store/internal/reminder"
	"reminder-store/internal/storage"
)

// recordingAlerter records every call made through the Alerter interface.
type recordingAlerter struct {
	mu            sync.Mutex
	grant         bool
	chimeErr      error
	chimePanics   bool
	chimes        int
	notifications []notify.Notification
	alerts        []*notify.Alert
}

func (a *recordingAlerter) RequestPermission(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grant, nil
}

func (a *recordingAlerter) PlayChime(context.Context) error {
	a.mu.Lock()
	a.chimes++
	panics, err := a.chimePanics, a.chimeErr
	a.mu.Unlock()
	if panics {
		panic("audio device gone")
	}
	return err
}

func (a *recordingAlerter) Notify(_ context.Context, n notify.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifications = append(a.notifications, n)
	return nil
}

func (a *recordingAlerter) Vibrate([]time.Duration) error { return errors.New("no vibration motor") }

func (a *recordingAlerter) ShowAlert(alert *notify.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) Alerts() []*notify.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*notify.Alert(nil), a.alerts...)
}

func (a *recordingAlerter) Notifications() []notify.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notify.Notification(nil), a.notifications...)
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) record(e notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Of(t notify.EventType) []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type staticSource struct {
	mu    sync.Mutex
	rs    []*reminder.Reminder
	calls atomic.Int32
}

func (s *staticSource) Set(rs ...*reminder.Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rs = rs
}

func (s *staticSource) ActiveReminders(context.Context) ([]*reminder.Reminder, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return reminder.CloneAll(s.rs), nil
}

func dueIn(id string, d time.Duration) *reminder.Reminder {
	r := reminder.NewReminder("alice", "Reminder "+id, "details", time.Now().Add(d))
	r.ID = id
	r.AlertTimings = []int{15}
	return r
}

func overdue(id string, ago time.Duration) *reminder.Reminder {
	r := dueIn(id, -ago)
	r.Status = reminder.StatusOverdue
	return r
}

var _ = Describe("Scheduler", func() {
	var (
		alerter *recordingAlerter
		source  *staticSource
		events  *eventLog
		sched   *notify.Scheduler
	)

	BeforeEach(func() {
		alerter = &recordingAlerter{}
		source = &staticSource{}
		events = &eventLog{}
		sched = notify.New(alerter, source, notify.Options{Horizon: time.Hour, SweepInterval: 50 * time.Millisecond})
		sched.Subscribe(events.record)
	})

	AfterEach(func() {
		sched.Stop()
	})

	Describe("Schedule", func() {
		It("fires once at the due time with the armed snapshot", func() {
			r := dueIn("rem1", 50*time.Millisecond)
			Expect(sched.Schedule(r)).To(BeTrue())
			Expect(sched.IsArmed("rem1")).To(BeTrue())

			r.Title = "changed after arming"

			Eventually(func() int { return len(events.Of(notify.EventFired)) }).Should(Equal(1))
			fired := events.Of(notify.EventFired)[0]
			Expect(fired.ReminderID).To(Equal("rem1"))
			Expect(fired.Reminder.Title).To(Equal("Reminder rem1"))
			Expect(fired.MinutesBefore).To(BeZero())

			Eventually(alerter.Alerts).Should(HaveLen(1))
			Expect(alerter.Alerts()[0].Reminder.Title).To(Equal("Reminder rem1"))
			Expect(sched.IsArmed("rem1")).To(BeFalse())
		})

		It("refuses reminders it should not arm", func() {
			disabled := dueIn("off", time.Minute)
			disabled.NotificationEnabled = false
			done := dueIn("done", time.Minute)
			done.Status = reminder.StatusCompleted

			Expect(sched.Schedule(disabled)).To(BeFalse())
			Expect(sched.Schedule(done)).To(BeFalse())
			Expect(sched.Schedule(dueIn("past", -time.Minute))).To(BeFalse())
			Expect(sched.Schedule(dueIn("far", 2*time.Hour))).To(BeFalse())
			Expect(sched.Schedule(nil)).To(BeFalse())
			Expect(sched.Pending()).To(BeEmpty())
		})

		It("keeps at most one timer set per reminder id", func() {
			Expect(sched.Schedule(dueIn("rem1", 80*time.Millisecond))).To(BeTrue())
			Expect(sched.Schedule(dueIn("rem1", 80*time.Millisecond))).To(BeTrue())
			Expect(sched.Pending()).To(Equal([]string{"rem1"}))

			Eventually(func() int { return len(events.Of(notify.EventFired)) }).Should(Equal(1))
			Consistently(func() int { return len(events.Of(notify.EventFired)) }, 200*time.Millisecond).Should(Equal(1))
		})

		It("cancels the previous timers when a reminder becomes unschedulable", func() {
			r := dueIn("rem1", 50*time.Millisecond)
			Expect(sched.Schedule(r)).To(BeTrue())
			r.NotificationEnabled = false
			Expect(sched.Schedule(r)).To(BeFalse())
			Expect(sched.IsArmed("rem1")).To(BeFalse())
			Consistently(func() int { return len(events.Of(notify.EventFired)) }, 150*time.Millisecond).Should(BeZero())
		})

		It("fires pre-alerts for alert timings still ahead", func() {
			r := dueIn("rem1", time.Minute+50*time.Millisecond)
			r.AlertTimings = []int{1, 30}
			Expect(sched.Schedule(r)).To(BeTrue())

			Eventually(func() int { return len(events.Of(notify.EventFired)) }).Should(Equal(1))
			Expect(events.Of(notify.EventFired)[0].MinutesBefore).To(Equal(1))
			Expect(sched.IsArmed("rem1")).To(BeTrue())
		})
	})

	Describe("Cancel", func() {
		It("is idempotent and stops the alert", func() {
			Expect(sched.Schedule(dueIn("rem1", 50*time.Millisecond))).To(BeTrue())
			Expect(sched.Cancel("rem1")).To(BeTrue())
			Expect(sched.Cancel("rem1")).To(BeFalse())
			Expect(sched.Cancel("never-armed")).To(BeFalse())
			Consistently(func() int { return len(events.Of(notify.EventFired)) }, 150*time.Millisecond).Should(BeZero())
		})

		It("cancels everything in bulk", func() {
			Expect(sched.Schedule(dueIn("a", time.Minute))).To(BeTrue())
			Expect(sched.Schedule(dueIn("b", time.Minute))).To(BeTrue())
			Expect(sched.CancelAll()).To(Equal(2))
			Expect(sched.Pending()).To(BeEmpty())
		})
	})

	Describe("Snooze", func() {
		It("reschedules a copy from now", func() {
			original := dueIn("rem1", 50*time.Millisecond)
			Expect(sched.Schedule(original)).To(BeTrue())

			snoozed, ok := sched.Snooze(original, 5)
			Expect(ok).To(BeTrue())
			Expect(snoozed.DueAt).To(BeTemporally("~", time.Now().Add(5*time.Minute), time.Second))
			Expect(original.DueAt).To(BeTemporally("<", time.Now().Add(time.Second)))
			Expect(sched.IsArmed("rem1")).To(BeTrue())
			Consistently(func() int { return len(events.Of(notify.EventFired)) }, 150*time.Millisecond).Should(BeZero())
		})
	})

	Describe("Alert", func() {
		var alert *notify.Alert

		BeforeEach(func() {
			Expect(sched.Schedule(dueIn("rem1", 20*time.Millisecond))).To(BeTrue())
			Eventually(alerter.Alerts).Should(HaveLen(1))
			alert = alerter.Alerts()[0]
		})

		It("emits exactly one intent", func() {
			Expect(alert.Complete()).To(BeTrue())
			Expect(alert.Complete()).To(BeFalse())
			Expect(alert.Snooze(5)).To(BeFalse())
			Expect(alert.Dismiss()).To(BeFalse())

			Expect(events.Of(notify.EventCompleteRequested)).To(HaveLen(1))
			Expect(events.Of(notify.EventCompleteRequested)[0].ReminderID).To(Equal("rem1"))
			Expect(events.Of(notify.EventSnoozeRequested)).To(BeEmpty())
			Expect(events.Of(notify.EventDismissed)).To(BeEmpty())
		})

		It("snoozes with a default duration", func() {
			Expect(alert.Snooze(0)).To(BeTrue())
			snoozes := events.Of(notify.EventSnoozeRequested)
			Expect(snoozes).To(HaveLen(1))
			Expect(snoozes[0].SnoozeMinutes).To(Equal(notify.DefaultSnoozeMinutes))
		})

		It("dismisses", func() {
			Expect(alert.Dismiss()).To(BeTrue())
			Expect(events.Of(notify.EventDismissed)).To(HaveLen(1))
		})
	})

	Describe("Fire side effects", func() {
		It("sends a system notification only after permission is granted", func() {
			Expect(sched.Schedule(dueIn("before", 20*time.Millisecond))).To(BeTrue())
			Eventually(alerter.Alerts).Should(HaveLen(1))
			Expect(alerter.Notifications()).To(BeEmpty())

			alerter.mu.Lock()
			alerter.grant = true
			alerter.mu.Unlock()
			granted, err := sched.RequestPermission(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(granted).To(BeTrue())

			Expect(sched.Schedule(dueIn("after", 20*time.Millisecond))).To(BeTrue())
			Eventually(alerter.Notifications).Should(HaveLen(1))
			Expect(alerter.Notifications()[0].ReminderID).To(Equal("after"))
		})

		It("still shows the alert when the chime fails", func() {
			alerter.mu.Lock()
			alerter.chimePanics = true
			alerter.mu.Unlock()

			Expect(sched.Schedule(dueIn("rem1", 20*time.Millisecond))).To(BeTrue())
			Eventually(alerter.Alerts).Should(HaveLen(1))
		})
	})

	Describe("Sweep", func() {
		It("fires a missed reminder once per due time", func() {
			source.Set(overdue("missed", time.Minute))

			sched.Sweep(context.Background())
			sched.Sweep(context.Background())
			Expect(events.Of(notify.EventFired)).To(HaveLen(1))
			Expect(events.Of(notify.EventFired)[0].ReminderID).To(Equal("missed"))
		})

		It("does not refire when the stored due time is coarser than the snapshot", func() {
			r := dueIn("rem1", 40*time.Millisecond)
			r.DueAt = r.DueAt.Truncate(time.Millisecond).Add(123456 * time.Nanosecond)
			Expect(sched.Schedule(r)).To(BeTrue())
			Eventually(func() int { return len(events.Of(notify.EventFired)) }).Should(Equal(1))

			stored := r.Clone()
			stored.DueAt = r.DueAt.Truncate(time.Millisecond)
			stored.Status = reminder.StatusOverdue
			source.Set(stored)
			sched.Sweep(context.Background())
			sched.Sweep(context.Background())
			Expect(events.Of(notify.EventFired)).To(HaveLen(1))
		})

		It("fires a reminder saved to SQLite exactly once across sweeps", func() {
			ctx := context.Background()
			repo, err := storage.NewSQLiteStorage(ctx, filepath.Join(GinkgoT().TempDir(), "reminders.db"), storage.Options{})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(repo.Close)

			saved, err := repo.SaveReminder(ctx, reminder.NewReminder("alice", "Stretch", "", time.Now().Add(150*time.Millisecond)))
			Expect(err).NotTo(HaveOccurred())

			fromRepo := notify.New(alerter, notify.SourceFunc(func(ctx context.Context) ([]*reminder.Reminder, error) {
				return repo.GetReminders(ctx, "alice", reminder.Filter{})
			}), notify.Options{Horizon: time.Hour})
			DeferCleanup(fromRepo.Stop)
			fromRepo.Subscribe(events.record)

			Expect(fromRepo.Schedule(saved)).To(BeTrue())
			Eventually(func() int { return len(events.Of(notify.EventFired)) }).Should(Equal(1))

			fromRepo.Sweep(ctx)
			fromRepo.Sweep(ctx)
			Consistently(func() int { return len(events.Of(notify.EventFired)) }, 150*time.Millisecond).Should(Equal(1))
		})

		It("ignores reminders that fell due before the horizon", func() {
			source.Set(overdue("ancient", 2*time.Hour))
			sched.Sweep(context.Background())
			Expect(events.Of(notify.EventFired)).To(BeEmpty())
		})

		It("arms unarmed reminders within the horizon", func() {
			source.Set(dueIn("soon", 10*time.Minute), dueIn("later", 3*time.Hour))
			sched.Sweep(context.Background())
			Expect(sched.Pending()).To(Equal([]string{"soon"}))
		})

		It("re-arms a reminder whose due time changed", func() {
			first := dueIn("rem1", 10*time.Minute)
			Expect(sched.Schedule(first)).To(BeTrue())

			moved := first.Clone()
			moved.DueAt = time.Now().Add(40 * time.Millisecond)
			source.Set(moved)
			sched.Sweep(context.Background())

			Eventually(func() int { return len(events.Of(notify.EventFired)) }).Should(Equal(1))
		})

		It("runs immediately when the session becomes visible again", func() {
			sched.SetVisible(false)
			before := source.calls.Load()
			sched.SetVisible(true)
			Expect(source.calls.Load()).To(Equal(before + 1))
		})

		It("runs periodically once started", func() {
			Expect(sched.Start()).To(Succeed())
			Eventually(source.calls.Load, 5*time.Second).Should(BeNumerically(">=", 2))
		})
	})

	Describe("Stop", func() {
		It("cancels every timer and refuses new ones", func() {
			Expect(sched.Start()).To(Succeed())
			Expect(sched.Schedule(dueIn("rem1", 50*time.Millisecond))).To(BeTrue())
			sched.Stop()

			Expect(sched.Pending()).To(BeEmpty())
			Expect(sched.Schedule(dueIn("rem2", time.Minute))).To(BeFalse())
			Consistently(func() int { return len(events.Of(notify.EventFired)) }, 150*time.Millisecond).Should(BeZero())
		})
	})

	Describe("Subscribe", func() {
		It("stops delivering after unsubscribe", func() {
			extra := &eventLog{}
			unsubscribe := sched.Subscribe(extra.record)
			unsubscribe()

			Expect(sched.Schedule(dueIn("rem1", 20*time.Millisecond))).To(BeTrue())
			Eventually(func() int { return len(events.Of(notify.EventFired)) }).Should(Equal(1))
			Expect(extra.Of(notify.EventFired)).To(BeEmpty())
		})
	})
})
