package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"reminder-store/internal/reminder"
)

// OpStats summarises the calls made to one Repository method.
type OpStats struct {
	Calls    int
	Failures int
	Total    time.Duration
	Max      time.Duration
}

// Instrumented wraps a Repository, timing and logging every call without
// changing its results.
type Instrumented struct {
	next  Repository
	log   *zap.Logger
	mu    sync.Mutex
	stats map[string]*OpStats
}

var _ Repository = (*Instrumented)(nil)

func NewInstrumented(next Repository, log *zap.Logger) *Instrumented {
	if log == nil {
		log = zap.NewNop()
	}
	return &Instrumented{next: next, log: log, stats: make(map[string]*OpStats)}
}

// Unwrap returns the decorated repository.
func (i *Instrumented) Unwrap() Repository { return i.next }

// Stats returns a snapshot of the per-method counters.
func (i *Instrumented) Stats() map[string]OpStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]OpStats, len(i.stats))
	for op, s := range i.stats {
		out[op] = *s
	}
	return out
}

// Ops lists the methods that have been called, sorted.
func (i *Instrumented) Ops() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	ops := make([]string, 0, len(i.stats))
	for op := range i.stats {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	dur := time.Since(start)

	i.mu.Lock()
	s, ok := i.stats[op]
	if !ok {
		s = &OpStats{}
		i.stats[op] = s
	}
	s.Calls++
	s.Total += dur
	if dur > s.Max {
		s.Max = dur
	}
	if err != nil {
		s.Failures++
	}
	i.mu.Unlock()

	if err != nil {
		i.log.Warn("storage", zap.String("op", op), zap.Duration("dur", dur), zap.Error(err))
		return
	}
	i.log.Debug("storage", zap.String("op", op), zap.Duration("dur", dur))
}

func (i *Instrumented) SaveReminder(ctx context.Context, r *reminder.Reminder) (*reminder.Reminder, error) {
	start := time.Now()
	out, err := i.next.SaveReminder(ctx, r)
	i.observe("SaveReminder", start, err)
	return out, err
}

func (i *Instrumented) GetReminders(ctx context.Context, userID string, f reminder.Filter) ([]*reminder.Reminder, error) {
	start := time.Now()
	out, err := i.next.GetReminders(ctx, userID, f)
	i.observe("GetReminders", start, err)
	return out, err
}

func (i *Instrumented) GetReminderByID(ctx context.Context, id string) (*reminder.Reminder, bool, error) {
	start := time.Now()
	out, ok, err := i.next.GetReminderByID(ctx, id)
	i.observe("GetReminderByID", start, err)
	return out, ok, err
}

func (i *Instrumented) UpdateReminder(ctx context.Context, id string, p reminder.Patch) (*reminder.Reminder, error) {
	start := time.Now()
	out, err := i.next.UpdateReminder(ctx, id, p)
	i.observe("UpdateReminder", start, err)
	return out, err
}

func (i *Instrumented) DeleteReminder(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := i.next.DeleteReminder(ctx, id)
	i.observe("DeleteReminder", start, err)
	return ok, err
}

func (i *Instrumented) SaveUserPreferences(ctx context.Context, p *reminder.UserPreferences) error {
	start := time.Now()
	err := i.next.SaveUserPreferences(ctx, p)
	i.observe("SaveUserPreferences", start, err)
	return err
}

func (i *Instrumented) GetUserPreferences(ctx context.Context, userID string) (*reminder.UserPreferences, bool, error) {
	start := time.Now()
	out, ok, err := i.next.GetUserPreferences(ctx, userID)
	i.observe("GetUserPreferences", start, err)
	return out, ok, err
}

func (i *Instrumented) GetStatistics(ctx context.Context, userID string) (*reminder.Statistics, error) {
	start := time.Now()
	out, err := i.next.GetStatistics(ctx, userID)
	i.observe("GetStatistics", start, err)
	return out, err
}

func (i *Instrumented) ExportAllData(ctx context.Context, userID string) (*reminder.Export, error) {
	start := time.Now()
	out, err := i.next.ExportAllData(ctx, userID)
	i.observe("ExportAllData", start, err)
	return out, err
}

func (i *Instrumented) ImportData(ctx context.Context, payload []byte, userID string) (int, error) {
	start := time.Now()
	n, err := i.next.ImportData(ctx, payload, userID)
	i.observe("ImportData", start, err)
	return n, err
}

func (i *Instrumented) ClearUserData(ctx context.Context, userID string) (int, error) {
	start := time.Now()
	n, err := i.next.ClearUserData(ctx, userID)
	i.observe("ClearUserData", start, err)
	return n, err
}

func (i *Instrumented) SetMetadata(ctx context.Context, key, value string) error {
	start := time.Now()
	err := i.next.SetMetadata(ctx, key, value)
	i.observe("SetMetadata", start, err)
	return err
}

func (i *Instrumented) GetMetadata(ctx context.Context, key string) (*reminder.Metadata, bool, error) {
	start := time.Now()
	out, ok, err := i.next.GetMetadata(ctx, key)
	i.observe("GetMetadata", start, err)
	return out, ok, err
}

func (i *Instrumented) GetDatabaseInfo(ctx context.Context) Info {
	start := time.Now()
	info := i.next.GetDatabaseInfo(ctx)
	i.observe("GetDatabaseInfo", start, nil)
	return info
}

func (i *Instrumented) Close() error {
	start := time.Now()
	err := i.next.Close()
	i.observe("Close", start, err)
	return err
}
