// Package notify arms in-process timers for reminders and fires alerts
// through an Alerter. It emits intents to subscribers and never writes to
// storage.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"reminder-store/internal/reminder"
)

const (
	DefaultHorizon       = 24 * time.Hour
	DefaultSweepInterval = 30 * time.Second
	chimeTimeout         = 2 * time.Second
)

// Source lists the reminders the sweep re-checks.
type Source interface {
	ActiveReminders(ctx context.Context) ([]*reminder.Reminder, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]*reminder.Reminder, error)

func (f SourceFunc) ActiveReminders(ctx context.Context) ([]*reminder.Reminder, error) {
	return f(ctx)
}

type Options struct {
	// Horizon is the furthest ahead a timer is armed. Reminders due later
	// are picked up by a later sweep.
	Horizon       time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Horizon <= 0 {
		o.Horizon = DefaultHorizon
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// entry holds every timer armed for one reminder id. A timer only fires if
// its generation still matches the entry in the map.
type entry struct {
	gen      uint64
	snapshot *reminder.Reminder
	timers   []*time.Timer
}

func (e *entry) stop() {
	for _, t := range e.timers {
		t.Stop()
	}
}

// Scheduler keeps at most one set of timers per reminder id.
type Scheduler struct {
	alerter Alerter
	source  Source
	opts    Options
	log     *zap.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	gen       uint64
	fired     map[string]time.Time
	subs      map[int]func(Event)
	nextSub   int
	granted   bool
	visible   bool
	stopped   bool
	cron      *cron.Cron
	sweepLock sync.Mutex
}

func New(alerter Alerter, source Source, opts Options) *Scheduler {
	if alerter == nil {
		alerter = NopAlerter{}
	}
	opts = opts.withDefaults()
	return &Scheduler{
		alerter: alerter,
		source:  source,
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
		fired:   make(map[string]time.Time),
		subs:    make(map[int]func(Event)),
		visible: true,
	}
}

// Start registers the periodic sweep and runs it in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.log.Warn("scheduler already started")
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.opts.SweepInterval)
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("failed to register sweep %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started", zap.Duration("sweepInterval", s.opts.SweepInterval), zap.Duration("horizon", s.opts.Horizon))
	return nil
}

// Stop halts the sweep and cancels every timer. The scheduler refuses new
// work afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.stopped = true
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	n := s.CancelAll()
	s.log.Info("scheduler stopped", zap.Int("cancelled", n))
}

// Subscribe registers fn for every event. The returned func unsubscribes.
// Events are delivered synchronously on the firing goroutine.
func (s *Scheduler) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Scheduler) emit(e Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// RequestPermission asks the alerter for notification permission. A grant
// is remembered for the life of the scheduler.
func (s *Scheduler) RequestPermission(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.granted {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	ok, err := s.alerter.RequestPermission(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to request notification permission: %w", err)
	}
	if ok {
		s.mu.Lock()
		s.granted = true
		s.mu.Unlock()
	}
	return ok, nil
}

// Schedule arms the timers for r: one at its due time and one per alert
// timing still in the future. It returns false without arming when
// notifications are off, r is not active, r is already due, r is due beyond
// the horizon, or the scheduler is stopped. Any timers already armed for the
// id are cancelled first.
func (s *Scheduler) Schedule(r *reminder.Reminder) bool {
	if r == nil || r.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(r.ID)
	if s.stopped || !r.NotificationEnabled || r.Status != reminder.StatusActive {
		return false
	}
	now := s.opts.Now()
	delay := r.DueAt.Sub(now)
	if delay <= 0 || delay > s.opts.Horizon {
		return false
	}

	s.gen++
	e := &entry{gen: s.gen, snapshot: r.Clone()}
	e.timers = append(e.timers, s.arm(r.ID, e.gen, delay, 0))
	for _, m := range r.AlertTimings {
		pre := delay - time.Duration(m)*time.Minute
		if m <= 0 || pre <= 0 {
			continue
		}
		e.timers = append(e.timers, s.arm(r.ID, e.gen, pre, m))
	}
	s.entries[r.ID] = e
	s.log.Debug("armed reminder", zap.String("id", r.ID), zap.Duration("delay", delay), zap.Int("timers", len(e.timers)))
	return true
}

func (s *Scheduler) arm(id string, gen uint64, delay time.Duration, minutesBefore int) *time.Timer {
	return time.AfterFunc(delay, func() { s.fire(id, gen, minutesBefore) })
}

// fire runs on the timer goroutine.
func (s *Scheduler) fire(id string, gen uint64, minutesBefore int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	snapshot := e.snapshot
	if minutesBefore == 0 {
		delete(s.entries, id)
		s.fired[id] = snapshot.DueAt.Truncate(reminder.TimePrecision)
	}
	s.mu.Unlock()

	s.deliver(snapshot, minutesBefore)
}

// deliver chimes, notifies and shows the interactive alert, in that order.
func (s *Scheduler) deliver(snapshot *reminder.Reminder, minutesBefore int) {
	s.log.Info("reminder fired", zap.String("id", snapshot.ID), zap.Int("minutesBefore", minutesBefore))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Warn("chime panicked", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), chimeTimeout)
		defer cancel()
		if err := s.alerter.PlayChime(ctx); err != nil {
			s.log.Debug("chime failed", zap.Error(err))
		}
	}()

	s.mu.Lock()
	granted := s.granted
	s.mu.Unlock()
	if granted {
		if err := s.alerter.Notify(context.Background(), notificationFor(snapshot, minutesBefore)); err != nil {
			s.log.Warn("system notification failed", zap.String("id", snapshot.ID), zap.Error(err))
		}
		if err := s.alerter.Vibrate(DefaultVibration); err != nil {
			s.log.Debug("vibrate failed", zap.Error(err))
		}
	}

	now := s.opts.Now()
	s.emit(Event{
		Type:          EventFired,
		ReminderID:    snapshot.ID,
		Reminder:      snapshot.Clone(),
		MinutesBefore: minutesBefore,
		At:            now,
	})
	s.alerter.ShowAlert(newAlert(snapshot.Clone(), minutesBefore, now, s.emit, s.opts.Now))
}

func notificationFor(r *reminder.Reminder, minutesBefore int) Notification {
	body := r.Description
	if minutesBefore > 0 {
		body = fmt.Sprintf("Due in %d minutes", minutesBefore)
		if r.Description != "" {
			body += ": " + r.Description
		}
	}
	return Notification{ReminderID: r.ID, Title: r.Title, Body: body}
}

// Cancel stops every timer armed for id and forgets that it fired. It
// reports whether any were armed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fired, id)
	return s.cancelLocked(id)
}

func (s *Scheduler) cancelLocked(id string) bool {
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.stop()
	delete(s.entries, id)
	return true
}

// Reschedule replaces the timers for r.
func (s *Scheduler) Reschedule(r *reminder.Reminder) bool {
	if r != nil {
		s.Cancel(r.ID)
	}
	return s.Schedule(r)
}

// Snooze moves a copy of snapshot to minutes from now and reschedules it.
// The caller persists the new due time.
func (s *Scheduler) Snooze(snapshot *reminder.Reminder, minutes int) (*reminder.Reminder, bool) {
	if snapshot == nil {
		return nil, false
	}
	if minutes <= 0 {
		minutes = DefaultSnoozeMinutes
	}
	r := snapshot.Clone()
	r.Snooze(minutes, s.opts.Now())
	return r, s.Reschedule(r)
}

// CancelAll stops every timer and reports how many reminders were armed.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	for id, e := range s.entries {
		e.stop()
		delete(s.entries, id)
	}
	clear(s.fired)
	return n
}

// Pending lists the armed reminder ids, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) IsArmed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// SetVisible pauses the periodic sweep while hidden. Becoming visible again
// sweeps immediately.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	wasVisible := s.visible
	s.visible = visible
	s.mu.Unlock()

	if visible && !wasVisible {
		s.Sweep(context.Background())
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	visible := s.visible
	s.mu.Unlock()
	if visible {
		s.Sweep(context.Background())
	}
}

// Sweep re-checks the source. A reminder that became due without its timer
// firing is fired once per due time, provided it fell due within the
// horizon. A future reminder within the horizon that is not armed, or is
// armed for a different due time, is scheduled.
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.source == nil {
		return
	}
	s.sweepLock.Lock()
	defer s.sweepLock.Unlock()

	rs, err := s.source.ActiveReminders(ctx)
	if err != nil {
		s.log.Warn("sweep failed to list reminders", zap.Error(err))
		return
	}

	now := s.opts.Now()
	var missed []*reminder.Reminder
	armed := 0
	seen := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		if r == nil || !r.NotificationEnabled || r.IsCompleted() {
			continue
		}
		seen[r.ID] = struct{}{}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		e, isArmed := s.entries[r.ID]
		firedAt, wasFired := s.fired[r.ID]
		due := !r.DueAt.After(now)
		switch {
		case due && !isArmed && !(wasFired && sameDue(firedAt, r.DueAt)) && now.Sub(r.DueAt) <= s.opts.Horizon:
			s.fired[r.ID] = r.DueAt.Truncate(reminder.TimePrecision)
			missed = append(missed, r.Clone())
		case !due && (!isArmed || !sameDue(e.snapshot.DueAt, r.DueAt)):
			s.mu.Unlock()
			c := r.Clone()
			c.Status = reminder.StatusActive
			if s.Schedule(c) {
				armed++
			}
			continue
		}
		s.mu.Unlock()
	}

	// Reminders the source no longer lists were completed or deleted.
	s.mu.Lock()
	for id := range s.fired {
		if _, ok := seen[id]; !ok {
			delete(s.fired, id)
		}
	}
	s.mu.Unlock()

	for _, r := range missed {
		s.deliver(r, 0)
	}
	if len(missed) > 0 || armed > 0 {
		s.log.Info("sweep", zap.Int("fired", len(missed)), zap.Int("armed", armed))
	}
}

// sameDue compares due times at storage precision, so a record read back
// from a millisecond backend matches the snapshot it was armed from.
func sameDue(a, b time.Time) bool {
	return a.Truncate(reminder.TimePrecision).Equal(b.Truncate(reminder.TimePrecision))
}
