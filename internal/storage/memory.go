package storage

import (
	"context"
	"fmt"
	"sync"

	"reminder-store/internal/errs"
	"reminder-store/internal/reminder"
)

// MemoryStorage keeps everything in process memory. It is the last-resort
// fallback and never fails to construct.
type MemoryStorage struct {
	reminders         map[string]*reminder.Reminder
	preferences       map[string]*reminder.UserPreferences
	metadata          map[string]*reminder.Metadata
	reminderIDCounter int
	closed            bool
	opts              Options
	mu                sync.Mutex
}

func NewMemoryStorage(opts Options) *MemoryStorage {
	return &MemoryStorage{
		reminders:   make(map[string]*reminder.Reminder),
		preferences: make(map[string]*reminder.UserPreferences),
		metadata:    make(map[string]*reminder.Metadata),
		opts:        opts.withDefaults(),
	}
}

// nextID returns the next unused rem<N> id. Callers hold m.mu.
func (m *MemoryStorage) nextID() string {
	for {
		m.reminderIDCounter++
		id := fmt.Sprintf("rem%d", m.reminderIDCounter)
		if _, taken := m.reminders[id]; !taken {
			return id
		}
	}
}

// Reminder operations
func (m *MemoryStorage) SaveReminder(ctx context.Context, r *reminder.Reminder) (*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var existing *reminder.Reminder
	if r != nil && r.ID != "" {
		existing = m.reminders[r.ID]
	}
	stored, err := prepareSave(r, existing, m.opts)
	if err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = m.nextID()
	}
	m.reminders[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *MemoryStorage) GetReminders(ctx context.Context, userID string, f reminder.Filter) ([]*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	list := make([]*reminder.Reminder, 0, len(m.reminders))
	for _, r := range m.reminders {
		list = append(list, r)
	}
	return reminder.Select(list, userID, f, m.opts.Now()), nil
}

func (m *MemoryStorage) GetReminderByID(ctx context.Context, id string) (*reminder.Reminder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}

	r, ok := m.reminders[id]
	if !ok {
		return nil, false, nil
	}
	c := r.Clone()
	c.RefreshStatus(m.opts.Now())
	return c, true, nil
}

func (m *MemoryStorage) UpdateReminder(ctx context.Context, id string, p reminder.Patch) (*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	existing, ok := m.reminders[id]
	if !ok {
		return nil, fmt.Errorf("reminder %s: %w", id, errs.ErrNotFound)
	}
	updated, err := reminder.PrepareUpdate(existing, p, m.opts.Now(), m.opts.DefaultAlertTimings)
	if err != nil {
		return nil, err
	}
	m.reminders[id] = updated
	return updated.Clone(), nil
}

func (m *MemoryStorage) DeleteReminder(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	if _, ok := m.reminders[id]; !ok {
		return false, nil
	}
	delete(m.reminders, id)
	return true, nil
}

// Preference operations
func (m *MemoryStorage) SaveUserPreferences(ctx context.Context, p *reminder.UserPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	stored, err := preparePreferences(p, m.opts)
	if err != nil {
		return err
	}
	m.preferences[stored.UserID] = stored
	return nil
}

func (m *MemoryStorage) GetUserPreferences(ctx context.Context, userID string) (*reminder.UserPreferences, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}

	p, ok := m.preferences[userID]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

// Aggregate and bulk operations
func (m *MemoryStorage) GetStatistics(ctx context.Context, userID string) (*reminder.Statistics, error) {
	rs, err := m.GetReminders(ctx, userID, reminder.Filter{})
	if err != nil {
		return nil, err
	}
	return reminder.ComputeStatistics(rs, m.opts.Now(), m.opts.Location), nil
}

func (m *MemoryStorage) ExportAllData(ctx context.Context, userID string) (*reminder.Export, error) {
	return buildExport(ctx, m, string(KindMemory), userID, m.opts)
}

func (m *MemoryStorage) ImportData(ctx context.Context, payload []byte, userID string) (int, error) {
	rs, prefs, err := prepareImport(payload, userID, m.opts)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	for _, r := range rs {
		r.ID = m.nextID()
		m.reminders[r.ID] = r
	}
	if prefs != nil {
		m.preferences[userID] = prefs
	}
	m.setMetadata(MetaLastImport, fmt.Sprintf("%s:%d", userID, len(rs)))
	return len(rs), nil
}

func (m *MemoryStorage) ClearUserData(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	count := 0
	for id, r := range m.reminders {
		if r.UserID == userID {
			delete(m.reminders, id)
			count++
		}
	}
	delete(m.preferences, userID)
	m.setMetadata(MetaLastClear, userID)
	return count, nil
}

// Bookkeeping
func (m *MemoryStorage) SetMetadata(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setMetadata(key, value)
	return nil
}

func (m *MemoryStorage) setMetadata(key, value string) {
	m.metadata[key] = &reminder.Metadata{Key: key, Value: value, UpdatedAt: m.opts.Now()}
}

func (m *MemoryStorage) GetMetadata(ctx context.Context, key string) (*reminder.Metadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}

	md, ok := m.metadata[key]
	if !ok {
		return nil, false, nil
	}
	c := *md
	return &c, true, nil
}

func (m *MemoryStorage) GetDatabaseInfo(ctx context.Context) Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{
		Type:          KindMemory,
		Name:          string(KindMemory),
		SchemaVersion: 1,
		Reminders:     len(m.reminders),
		Warning:       "data is kept in memory and does not survive a restart",
	}
	if m.closed {
		info.Error = ErrClosed.Error()
	}
	return info
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
