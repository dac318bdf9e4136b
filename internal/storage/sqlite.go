package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"reminder-store/internal/errs"
	"reminder-store/internal/reminder"
)

// sqliteMigrations run in order inside one transaction each. PRAGMA
// user_version records how many have been applied.
var sqliteMigrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			due_at INTEGER NOT NULL, -- unix milliseconds
			category TEXT NOT NULL,
			priority TEXT NOT NULL,
			notification_enabled INTEGER NOT NULL DEFAULT 1,
			alert_timings TEXT NOT NULL DEFAULT '[]', -- JSON array of minutes
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT PRIMARY KEY,
			data TEXT NOT NULL, -- JSON document, replaced whole
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO counters (name, value) VALUES ('reminder_id', 0)`,
	},
	{
		`CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_status ON reminders (status)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (due_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_user_status ON reminders (user_id, status)`,
	},
	{
		`ALTER TABLE reminders ADD COLUMN completed_at INTEGER`,
	},
}

const reminderColumns = `id, user_id, title, description, due_at, category, priority,
	notification_enabled, alert_timings, status, created_at, updated_at, completed_at, version`

type SQLiteStorage struct {
	db     *sql.DB
	path   string
	opts   Options
	closed bool
	mu     sync.Mutex
}

// NewSQLiteStorage opens (creating if needed) the database at dbPath and
// brings its schema up to date.
func NewSQLiteStorage(ctx context.Context, dbPath string, opts Options) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, mapSQLiteError("open SQLite database", err)
	}

	s := &SQLiteStorage{db: db, path: dbPath, opts: opts.withDefaults()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return mapSQLiteError("read schema version", err)
	}

	for i := version; i < len(sqliteMigrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return mapSQLiteError("begin migration", err)
		}
		for _, query := range sqliteMigrations[i] {
			if _, err := tx.ExecContext(ctx, query); err != nil {
				tx.Rollback()
				return mapSQLiteError(fmt.Sprintf("apply migration %d", i+1), err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return mapSQLiteError("record schema version", err)
		}
		if err := tx.Commit(); err != nil {
			return mapSQLiteError(fmt.Sprintf("commit migration %d", i+1), err)
		}
		s.opts.Logger.Info("applied SQLite migration", zap.String("path", s.path), zap.Int("version", i+1))
	}
	return nil
}

// mapSQLiteError translates driver error codes into the storage taxonomy.
// Errors that already carry a taxonomy kind pass through.
func mapSQLiteError(op string, err error) error {
	if errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrNotFound) || errors.Is(err, ErrClosed) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrAbort:
			return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrTransactionFailed, err)
		case sqlite3.ErrFull:
			return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrQuotaExceeded, err)
		case sqlite3.ErrReadonly, sqlite3.ErrCantOpen, sqlite3.ErrPerm, sqlite3.ErrAuth:
			return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrBackendUnavailable, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrStorageCorrupted, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// withTx runs fn in one transaction. Callers hold s.mu.
func (s *SQLiteStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.closed {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapSQLiteError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanReminder decodes one row. Undecodable alert timings are replaced by
// the default set so one bad row does not fail the whole query.
func (s *SQLiteStorage) scanReminder(sc rowScanner) (*reminder.Reminder, error) {
	var r reminder.Reminder
	var dueAt, createdAt, updatedAt int64
	var completedAt sql.NullInt64
	var timingsJSON string

	err := sc.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &dueAt, &r.Category, &r.Priority,
		&r.NotificationEnabled, &timingsJSON, &r.Status, &createdAt, &updatedAt, &completedAt, &r.Version)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(timingsJSON), &r.AlertTimings); err != nil {
		s.opts.Logger.Warn("resetting corrupted alert timings",
			zap.String("id", r.ID), zap.Error(fmt.Errorf("%w: %v", errs.ErrStorageCorrupted, err)))
		r.AlertTimings = reminder.NormalizeAlertTimings(nil, s.opts.DefaultAlertTimings)
	}
	r.DueAt = fromMillis(dueAt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		r.CompletedAt = &t
	}
	return &r, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLiteStorage) getReminderTx(ctx context.Context, tx *sql.Tx, id string) (*reminder.Reminder, error) {
	r, err := s.scanReminder(tx.QueryRowContext(ctx, "SELECT "+reminderColumns+" FROM reminders WHERE id = ?", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func writeReminder(ctx context.Context, tx *sql.Tx, r *reminder.Reminder) error {
	timingsJSON, err := json.Marshal(r.AlertTimings)
	if err != nil {
		return fmt.Errorf("failed to marshal alert timings: %w", err)
	}
	var completedAt *int64
	if r.CompletedAt != nil {
		ms := r.CompletedAt.UnixMilli()
		completedAt = &ms
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Title, r.Description, r.DueAt.UnixMilli(), r.Category, r.Priority,
		r.NotificationEnabled, string(timingsJSON), r.Status, r.CreatedAt.UnixMilli(),
		r.UpdatedAt.UnixMilli(), completedAt, r.Version)
	return err
}

// nextID advances the reminder counter until it yields an unused rem<N> id.
func nextID(ctx context.Context, tx *sql.Tx) (string, error) {
	for {
		var value int
		err := tx.QueryRowContext(ctx,
			"UPDATE counters SET value = value + 1 WHERE name = 'reminder_id' RETURNING value").Scan(&value)
		if err != nil {
			return "", fmt.Errorf("failed to advance reminder counter: %w", err)
		}
		id := fmt.Sprintf("rem%d", value)
		var taken int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM reminders WHERE id = ?", id).Scan(&taken); err != nil {
			return "", err
		}
		if taken == 0 {
			return id, nil
		}
	}
}

// Reminder operations
func (s *SQLiteStorage) SaveReminder(ctx context.Context, r *reminder.Reminder) (*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *reminder.Reminder
	err := s.withTx(ctx, "save reminder", func(tx *sql.Tx) error {
		var existing *reminder.Reminder
		if r != nil && r.ID != "" {
			var err error
			if existing, err = s.getReminderTx(ctx, tx, r.ID); err != nil {
				return err
			}
		}
		var err error
		stored, err = prepareSave(r, existing, s.opts)
		if err != nil {
			return err
		}
		if stored.ID == "" {
			if stored.ID, err = nextID(ctx, tx); err != nil {
				return err
			}
		}
		return writeReminder(ctx, tx, stored)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func buildReminderQuery(userID string, f reminder.Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT " + reminderColumns + " FROM reminders WHERE user_id = ?")
	args := []any{userID}
	if f.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		sb.WriteString(" AND category = ?")
		args = append(args, f.Category)
	}
	if f.Priority != "" {
		sb.WriteString(" AND priority = ?")
		args = append(args, f.Priority)
	}
	if f.DueFrom != nil {
		sb.WriteString(" AND due_at >= ?")
		args = append(args, f.DueFrom.UnixMilli())
	}
	if f.DueTo != nil {
		sb.WriteString(" AND due_at <= ?")
		args = append(args, f.DueTo.UnixMilli())
	}
	sb.WriteString(" ORDER BY due_at, id")
	return sb.String(), args
}

// GetReminders persists the active -> overdue transition for the user's
// records before querying, in the same transaction.
func (s *SQLiteStorage) GetReminders(ctx context.Context, userID string, f reminder.Filter) ([]*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*reminder.Reminder, 0)
	err := s.withTx(ctx, "query reminders", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE reminders SET status = ? WHERE user_id = ? AND status = ? AND due_at <= ?`,
			reminder.StatusOverdue, userID, reminder.StatusActive, s.opts.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to refresh overdue reminders: %w", err)
		}

		query, args := buildReminderQuery(userID, f)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := s.scanReminder(rows)
			if err != nil {
				return fmt.Errorf("failed to scan reminder: %w", err)
			}
			list = append(list, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	reminder.Sort(list, f.Sort)
	return list, nil
}

func (s *SQLiteStorage) GetReminderByID(ctx context.Context, id string) (*reminder.Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r *reminder.Reminder
	err := s.withTx(ctx, "get reminder", func(tx *sql.Tx) error {
		var err error
		r, err = s.getReminderTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	r.RefreshStatus(s.opts.Now())
	return r, true, nil
}

func (s *SQLiteStorage) UpdateReminder(ctx context.Context, id string, p reminder.Patch) (*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *reminder.Reminder
	err := s.withTx(ctx, "update reminder", func(tx *sql.Tx) error {
		existing, err := s.getReminderTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("reminder %s: %w", id, errs.ErrNotFound)
		}
		updated, err = reminder.PrepareUpdate(existing, p, s.opts.Now(), s.opts.DefaultAlertTimings)
		if err != nil {
			return err
		}
		return writeReminder(ctx, tx, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStorage) DeleteReminder(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	err := s.withTx(ctx, "delete reminder", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM reminders WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Preference operations
func (s *SQLiteStorage) SaveUserPreferences(ctx context.Context, p *reminder.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := preparePreferences(p, s.opts)
	if err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	return s.withTx(ctx, "save preferences", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO preferences (user_id, data, updated_at) VALUES (?, ?, ?)",
			stored.UserID, string(data), stored.UpdatedAt.UnixMilli())
		return err
	})
}

func (s *SQLiteStorage) GetUserPreferences(ctx context.Context, userID string) (*reminder.UserPreferences, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	found := false
	err := s.withTx(ctx, "get preferences", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT data FROM preferences WHERE user_id = ?", userID).Scan(&data)
		if err == sql.ErrNoRows {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil || !found {
		return nil, false, err
	}

	var p reminder.UserPreferences
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, false, fmt.Errorf("%w: preferences of %s: %v", errs.ErrStorageCorrupted, userID, err)
	}
	return &p, true, nil
}

// Aggregate and bulk operations
func (s *SQLiteStorage) GetStatistics(ctx context.Context, userID string) (*reminder.Statistics, error) {
	rs, err := s.GetReminders(ctx, userID, reminder.Filter{})
	if err != nil {
		return nil, err
	}
	return reminder.ComputeStatistics(rs, s.opts.Now(), s.opts.Location), nil
}

func (s *SQLiteStorage) ExportAllData(ctx context.Context, userID string) (*reminder.Export, error) {
	return buildExport(ctx, s, "sqlite", userID, s.opts)
}

// ImportData inserts in batches of Options.ImportBatchSize, one transaction
// per batch. On a backend failure the records of earlier batches stay and
// their count is returned with the error.
func (s *SQLiteStorage) ImportData(ctx context.Context, payload []byte, userID string) (int, error) {
	rs, prefs, err := prepareImport(payload, userID, s.opts)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, batch := range batches(rs, s.opts.ImportBatchSize) {
		err := s.withTx(ctx, "import reminders", func(tx *sql.Tx) error {
			for _, r := range batch {
				id, err := nextID(ctx, tx)
				if err != nil {
					return err
				}
				r.ID = id
				if err := writeReminder(ctx, tx, r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return inserted, err
		}
		inserted += len(batch)
	}

	err = s.withTx(ctx, "finish import", func(tx *sql.Tx) error {
		now := s.opts.Now()
		if prefs != nil {
			data, err := json.Marshal(prefs)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO preferences (user_id, data, updated_at) VALUES (?, ?, ?)",
				userID, string(data), now.UnixMilli()); err != nil {
				return err
			}
		}
		return setMetadataTx(ctx, tx, MetaLastImport, fmt.Sprintf("%s:%d", userID, inserted), now)
	})
	return inserted, err
}

func (s *SQLiteStorage) ClearUserData(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := s.withTx(ctx, "clear user data", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM reminders WHERE user_id = ?", userID)
		if err != nil {
			return err
		}
		if count, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM preferences WHERE user_id = ?", userID); err != nil {
			return err
		}
		return setMetadataTx(ctx, tx, MetaLastClear, userID, s.opts.Now())
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Bookkeeping
func setMetadataTx(ctx context.Context, tx *sql.Tx, key, value string, now time.Time) error {
	_, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, now.UnixMilli())
	return err
}

func (s *SQLiteStorage) SetMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, "set metadata", func(tx *sql.Tx) error {
		return setMetadataTx(ctx, tx, key, value, s.opts.Now())
	})
}

func (s *SQLiteStorage) GetMetadata(ctx context.Context, key string) (*reminder.Metadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var md *reminder.Metadata
	err := s.withTx(ctx, "get metadata", func(tx *sql.Tx) error {
		var value string
		var updatedAt int64
		err := tx.QueryRowContext(ctx, "SELECT value, updated_at FROM metadata WHERE key = ?", key).Scan(&value, &updatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		md = &reminder.Metadata{Key: key, Value: value, UpdatedAt: fromMillis(updatedAt)}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return md, md != nil, nil
}

func (s *SQLiteStorage) GetDatabaseInfo(ctx context.Context) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{Type: KindIndexed, Name: "sqlite", Persistent: true}
	if s.closed {
		info.Error = ErrClosed.Error()
		return info
	}

	var pageCount, pageSize int64
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&info.SchemaVersion)
	if err == nil {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reminders").Scan(&info.Reminders)
	}
	if err == nil {
		err = s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	}
	if err == nil {
		err = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	}
	if err != nil {
		info.Error = mapSQLiteError("inspect database", err).Error()
		return info
	}
	info.UsageBytes = pageCount * pageSize
	return info
}

// Close closes the database connection. Calling it again is a no-op.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
