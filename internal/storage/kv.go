package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reminder-store/internal/errs"
	"reminder-store/internal/kvstore"
	"reminder-store/internal/reminder"
)

const (
	kvDocumentKey   = "reminder-store/v1"
	kvSchemaVersion = 1
)

// kvDocument is the single JSON document holding every user's data.
type kvDocument struct {
	Version     int                                  `json:"version"`
	Reminders   map[string]*reminder.Reminder        `json:"reminders"`
	Preferences map[string]*reminder.UserPreferences `json:"preferences"`
	Metadata    map[string]*reminder.Metadata        `json:"metadata"`
}

func newKVDocument() *kvDocument {
	return &kvDocument{
		Version:     kvSchemaVersion,
		Reminders:   make(map[string]*reminder.Reminder),
		Preferences: make(map[string]*reminder.UserPreferences),
		Metadata:    make(map[string]*reminder.Metadata),
	}
}

// KVStorage stores one document in a flat key/value store. Every write
// re-serialises the whole document and replaces it in one Set.
type KVStorage struct {
	store     kvstore.Store
	opts      Options
	corrupted bool
	closed    bool
	mu        sync.Mutex
}

// NewKVStorage opens the document in store, verifying that it can be read.
func NewKVStorage(store kvstore.Store, opts Options) (*KVStorage, error) {
	s := &KVStorage{store: store, opts: opts.withDefaults()}
	if _, err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to open key/value storage: %w", err)
	}
	return s, nil
}

// load reads the document. An undecodable document is logged and replaced
// by an empty one; the reset is persisted by the next write.
func (s *KVStorage) load() (*kvDocument, error) {
	data, ok, err := s.store.Get(kvDocumentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w: %w", errs.ErrBackendUnavailable, err)
	}
	doc := newKVDocument()
	if !ok || len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		s.opts.Logger.Error("key/value document is unreadable, starting from an empty one",
			zap.Error(fmt.Errorf("%w: %v", errs.ErrStorageCorrupted, err)),
			zap.Int("bytes", len(data)))
		s.corrupted = true
		return newKVDocument(), nil
	}
	if doc.Reminders == nil {
		doc.Reminders = make(map[string]*reminder.Reminder)
	}
	if doc.Preferences == nil {
		doc.Preferences = make(map[string]*reminder.UserPreferences)
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]*reminder.Metadata)
	}
	for id, r := range doc.Reminders {
		if r == nil {
			delete(doc.Reminders, id)
		}
	}
	return doc, nil
}

func (s *KVStorage) save(doc *kvDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := s.store.Set(kvDocumentKey, data); err != nil {
		if errors.Is(err, kvstore.ErrReadOnly) {
			return fmt.Errorf("failed to write document: %w: %w", errs.ErrBackendUnavailable, err)
		}
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// mutate runs one read-modify-write cycle. On a quota failure it evicts old
// completed reminders and retries once. Callers hold s.mu.
func (s *KVStorage) mutate(fn func(doc *kvDocument) error) error {
	if s.closed {
		return ErrClosed
	}
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}

	err = s.save(doc)
	if err != nil && errors.Is(err, errs.ErrQuotaExceeded) {
		evicted := s.evict(doc)
		s.opts.Logger.Warn("key/value quota exceeded",
			zap.Int("evicted", evicted),
			zap.Duration("retention", s.opts.Retention))
		if evicted == 0 {
			return err
		}
		doc.Metadata[MetaLastEviction] = &reminder.Metadata{
			Key:       MetaLastEviction,
			Value:     fmt.Sprintf("%d", evicted),
			UpdatedAt: s.opts.Now(),
		}
		if err = s.save(doc); err != nil {
			return fmt.Errorf("still over quota after evicting %d reminders: %w", evicted, err)
		}
	}
	if err != nil {
		return err
	}
	s.corrupted = false
	return nil
}

// evict drops completed reminders finished before the retention window.
func (s *KVStorage) evict(doc *kvDocument) int {
	cutoff := s.opts.Now().Add(-s.opts.Retention)
	evicted := 0
	for id, r := range doc.Reminders {
		if !r.IsCompleted() {
			continue
		}
		done := r.UpdatedAt
		if r.CompletedAt != nil {
			done = *r.CompletedAt
		}
		if done.Before(cutoff) {
			delete(doc.Reminders, id)
			evicted++
		}
	}
	return evicted
}

func (s *KVStorage) view() (*kvDocument, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.load()
}

// Reminder operations
func (s *KVStorage) SaveReminder(ctx context.Context, r *reminder.Reminder) (*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *reminder.Reminder
	err := s.mutate(func(doc *kvDocument) error {
		var existing *reminder.Reminder
		if r != nil && r.ID != "" {
			existing = doc.Reminders[r.ID]
		}
		var err error
		stored, err = prepareSave(r, existing, s.opts)
		if err != nil {
			return err
		}
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		doc.Reminders[stored.ID] = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (s *KVStorage) GetReminders(ctx context.Context, userID string, f reminder.Filter) ([]*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.view()
	if err != nil {
		return nil, err
	}
	list := make([]*reminder.Reminder, 0, len(doc.Reminders))
	for _, r := range doc.Reminders {
		list = append(list, r)
	}
	return reminder.Select(list, userID, f, s.opts.Now()), nil
}

func (s *KVStorage) GetReminderByID(ctx context.Context, id string) (*reminder.Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.view()
	if err != nil {
		return nil, false, err
	}
	r, ok := doc.Reminders[id]
	if !ok {
		return nil, false, nil
	}
	r.RefreshStatus(s.opts.Now())
	return r, true, nil
}

func (s *KVStorage) UpdateReminder(ctx context.Context, id string, p reminder.Patch) (*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *reminder.Reminder
	err := s.mutate(func(doc *kvDocument) error {
		existing, ok := doc.Reminders[id]
		if !ok {
			return fmt.Errorf("reminder %s: %w", id, errs.ErrNotFound)
		}
		var err error
		updated, err = reminder.PrepareUpdate(existing, p, s.opts.Now(), s.opts.DefaultAlertTimings)
		if err != nil {
			return err
		}
		doc.Reminders[id] = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

func (s *KVStorage) DeleteReminder(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	err := s.mutate(func(doc *kvDocument) error {
		if _, ok := doc.Reminders[id]; ok {
			delete(doc.Reminders, id)
			removed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Preference operations
func (s *KVStorage) SaveUserPreferences(ctx context.Context, p *reminder.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := preparePreferences(p, s.opts)
	if err != nil {
		return err
	}
	return s.mutate(func(doc *kvDocument) error {
		doc.Preferences[stored.UserID] = stored
		return nil
	})
}

func (s *KVStorage) GetUserPreferences(ctx context.Context, userID string) (*reminder.UserPreferences, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.view()
	if err != nil {
		return nil, false, err
	}
	p, ok := doc.Preferences[userID]
	if !ok || p == nil {
		return nil, false, nil
	}
	return p, true, nil
}

// Aggregate and bulk operations
func (s *KVStorage) GetStatistics(ctx context.Context, userID string) (*reminder.Statistics, error) {
	rs, err := s.GetReminders(ctx, userID, reminder.Filter{})
	if err != nil {
		return nil, err
	}
	return reminder.ComputeStatistics(rs, s.opts.Now(), s.opts.Location), nil
}

func (s *KVStorage) ExportAllData(ctx context.Context, userID string) (*reminder.Export, error) {
	return buildExport(ctx, s, string(KindKeyValue), userID, s.opts)
}

// ImportData writes every imported record in one document replace, so an
// import is all or nothing on this backend.
func (s *KVStorage) ImportData(ctx context.Context, payload []byte, userID string) (int, error) {
	rs, prefs, err := prepareImport(payload, userID, s.opts)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.mutate(func(doc *kvDocument) error {
		for _, r := range rs {
			r.ID = uuid.NewString()
			doc.Reminders[r.ID] = r
		}
		if prefs != nil {
			doc.Preferences[userID] = prefs
		}
		doc.Metadata[MetaLastImport] = &reminder.Metadata{
			Key:       MetaLastImport,
			Value:     fmt.Sprintf("%s:%d", userID, len(rs)),
			UpdatedAt: s.opts.Now(),
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to import reminders: %w", err)
	}
	return len(rs), nil
}

func (s *KVStorage) ClearUserData(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.mutate(func(doc *kvDocument) error {
		for id, r := range doc.Reminders {
			if r.UserID == userID {
				delete(doc.Reminders, id)
				count++
			}
		}
		delete(doc.Preferences, userID)
		doc.Metadata[MetaLastClear] = &reminder.Metadata{Key: MetaLastClear, Value: userID, UpdatedAt: s.opts.Now()}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Bookkeeping
func (s *KVStorage) SetMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(func(doc *kvDocument) error {
		doc.Metadata[key] = &reminder.Metadata{Key: key, Value: value, UpdatedAt: s.opts.Now()}
		return nil
	})
}

func (s *KVStorage) GetMetadata(ctx context.Context, key string) (*reminder.Metadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.view()
	if err != nil {
		return nil, false, err
	}
	md, ok := doc.Metadata[key]
	if !ok || md == nil {
		return nil, false, nil
	}
	return md, true, nil
}

func (s *KVStorage) GetDatabaseInfo(ctx context.Context) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, volatile := s.store.(*kvstore.MemStore)
	info := Info{
		Type:          KindKeyValue,
		Name:          string(KindKeyValue),
		SchemaVersion: kvSchemaVersion,
		QuotaBytes:    s.store.Quota(),
		Persistent:    !volatile,
	}
	if s.closed {
		info.Error = ErrClosed.Error()
		return info
	}

	usage, err := s.store.Usage()
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.UsageBytes = usage

	doc, err := s.load()
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Reminders = len(doc.Reminders)

	switch {
	case s.corrupted:
		info.Warning = "stored document was unreadable and has been reset"
	case info.QuotaBytes > 0 && usage*10 >= info.QuotaBytes*9:
		info.Warning = "storage is nearly full; clearing old completed reminders frees space"
	}
	return info
}

func (s *KVStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
