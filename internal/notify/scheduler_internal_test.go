package notify

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"reminder-store/internal/reminder"
)

func firedIDs(s *Scheduler) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.fired))
	for id := range s.fired {
		ids = append(ids, id)
	}
	return ids
}

var _ = Describe("Fired bookkeeping", func() {
	var (
		mu     sync.Mutex
		listed []*reminder.Reminder
		sched  *Scheduler
	)

	missed := func(id string) *reminder.Reminder {
		r := reminder.NewReminder("alice", "Reminder "+id, "", time.Now().Add(-time.Minute))
		r.ID = id
		r.Status = reminder.StatusOverdue
		return r
	}
	list := func(rs ...*reminder.Reminder) {
		mu.Lock()
		defer mu.Unlock()
		listed = rs
	}

	BeforeEach(func() {
		list()
		sched = New(NopAlerter{}, SourceFunc(func(context.Context) ([]*reminder.Reminder, error) {
			mu.Lock()
			defer mu.Unlock()
			return reminder.CloneAll(listed), nil
		}), Options{Horizon: time.Hour})
		DeferCleanup(sched.Stop)
	})

	It("forgets a cancelled reminder", func() {
		list(missed("a"), missed("b"))
		sched.Sweep(context.Background())
		Expect(firedIDs(sched)).To(ConsistOf("a", "b"))

		sched.Cancel("a")
		Expect(firedIDs(sched)).To(ConsistOf("b"))

		sched.CancelAll()
		Expect(firedIDs(sched)).To(BeEmpty())
	})

	It("forgets reminders the source no longer lists", func() {
		list(missed("a"), missed("b"))
		sched.Sweep(context.Background())

		list(missed("b"))
		sched.Sweep(context.Background())
		Expect(firedIDs(sched)).To(ConsistOf("b"))

		list()
		sched.Sweep(context.Background())
		Expect(firedIDs(sched)).To(BeEmpty())
	})
})
