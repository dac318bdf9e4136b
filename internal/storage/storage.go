package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reminder-store/internal/reminder"
)

// Repository defines the persistence contract every backend satisfies.
// Returned records are copies; mutating them never changes stored state.
type Repository interface {
	// Reminder operations
	SaveReminder(ctx context.Context, r *reminder.Reminder) (*reminder.Reminder, error)
	GetReminders(ctx context.Context, userID string, f reminder.Filter) ([]*reminder.Reminder, error)
	GetReminderByID(ctx context.Context, id string) (*reminder.Reminder, bool, error)
	UpdateReminder(ctx context.Context, id string, p reminder.Patch) (*reminder.Reminder, error)
	DeleteReminder(ctx context.Context, id string) (bool, error)

	// Preference operations
	SaveUserPreferences(ctx context.Context, p *reminder.UserPreferences) error
	GetUserPreferences(ctx context.Context, userID string) (*reminder.UserPreferences, bool, error)

	// Aggregate and bulk operations
	GetStatistics(ctx context.Context, userID string) (*reminder.Statistics, error)
	ExportAllData(ctx context.Context, userID string) (*reminder.Export, error)
	ImportData(ctx context.Context, payload []byte, userID string) (int, error)
	ClearUserData(ctx context.Context, userID string) (int, error)

	// Bookkeeping
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (*reminder.Metadata, bool, error)
	GetDatabaseInfo(ctx context.Context) Info

	Close() error
}

// Kind is a backend durability tier.
type Kind string

const (
	KindIndexed  Kind = "indexed"
	KindKeyValue Kind = "keyvalue"
	KindMemory   Kind = "memory"
)

// Kinds lists the tiers in fallback order.
var Kinds = []Kind{KindIndexed, KindKeyValue, KindMemory}

// Info describes a backend. It is always returned, with Error set when the
// backend could not be inspected.
type Info struct {
	Type          Kind   `json:"type"`
	Name          string `json:"name"`
	SchemaVersion int    `json:"schemaVersion"`
	Reminders     int    `json:"reminders"`
	UsageBytes    int64  `json:"usageBytes,omitempty"`
	QuotaBytes    int64  `json:"quotaBytes,omitempty"`
	Persistent    bool   `json:"persistent"`
	Warning       string `json:"warning,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Options are shared by every adapter.
type Options struct {
	// DefaultAlertTimings replaces an empty alert timing set on write.
	DefaultAlertTimings []int
	// Location is used for "completed today" day boundaries.
	Location *time.Location
	// ImportBatchSize bounds the records written per transaction on import.
	ImportBatchSize int
	// Retention is how long the key/value backend keeps completed reminders
	// when it has to make room.
	Retention time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

const (
	DefaultImportBatchSize = 100
	DefaultRetention       = 30 * 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if len(o.DefaultAlertTimings) == 0 {
		o.DefaultAlertTimings = reminder.DefaultAlertTimings
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.ImportBatchSize <= 0 {
		o.ImportBatchSize = DefaultImportBatchSize
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
