package storage

import (
	"context"
	"fmt"

	"reminder-store/internal/errs"
	"reminder-store/internal/reminder"
)

// Metadata keys written by the adapters.
const (
	MetaLastImport   = "last_import"
	MetaLastEviction = "last_eviction"
	MetaLastClear    = "last_clear"
)

// ErrClosed is returned by every operation on a closed repository.
var ErrClosed = fmt.Errorf("repository closed: %w", errs.ErrBackendUnavailable)

// prepareSave validates a copy of r for an insert or upsert. existing is the
// stored record with the same id, if any; its created-at and version carry over.
func prepareSave(r, existing *reminder.Reminder, opts Options) (*reminder.Reminder, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil reminder", errs.ErrValidation)
	}
	c := r.Clone()
	c.Version = 0
	if existing != nil {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = existing.CreatedAt
		}
		c.Version = existing.Version
	}
	if err := reminder.Prepare(c, opts.Now(), opts.DefaultAlertTimings); err != nil {
		return nil, err
	}
	return c, nil
}

func preparePreferences(p *reminder.UserPreferences, opts Options) (*reminder.UserPreferences, error) {
	if p == nil || p.UserID == "" {
		return nil, fmt.Errorf("%w: preferences need a user id", errs.ErrValidation)
	}
	c := p.Clone()
	if c.DefaultAlertTimings != nil {
		c.DefaultAlertTimings = reminder.NormalizeAlertTimings(c.DefaultAlertTimings, opts.DefaultAlertTimings)
	}
	c.UpdatedAt = opts.Now().Truncate(reminder.TimePrecision)
	return c, nil
}

// prepareImport parses payload and readies every record for insertion under
// userID with a fresh id. It fails before anything is written.
func prepareImport(payload []byte, userID string, opts Options) ([]*reminder.Reminder, *reminder.UserPreferences, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: import needs a user id", errs.ErrValidation)
	}
	exp, err := reminder.ParseExport(payload)
	if err != nil {
		return nil, nil, err
	}

	now := opts.Now()
	for i, r := range exp.Reminders {
		r.ID = ""
		r.UserID = userID
		r.Version = 0
		if err := reminder.Prepare(r, now, opts.DefaultAlertTimings); err != nil {
			return nil, nil, fmt.Errorf("reminders[%d]: %w", i, err)
		}
	}

	var prefs *reminder.UserPreferences
	if exp.Preferences != nil {
		exp.Preferences.UserID = userID
		prefs, err = preparePreferences(exp.Preferences, opts)
		if err != nil {
			return nil, nil, err
		}
	}
	return exp.Reminders, prefs, nil
}

func batches(rs []*reminder.Reminder, size int) [][]*reminder.Reminder {
	if size <= 0 {
		size = DefaultImportBatchSize
	}
	var out [][]*reminder.Reminder
	for start := 0; start < len(rs); start += size {
		end := min(start+size, len(rs))
		out = append(out, rs[start:end])
	}
	return out
}

// buildExport assembles the export envelope through the public contract, so
// every adapter produces the same shape.
func buildExport(ctx context.Context, repo Repository, name, userID string, opts Options) (*reminder.Export, error) {
	rs, err := repo.GetReminders(ctx, userID, reminder.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to export reminders: %w", err)
	}
	prefs, _, err := repo.GetUserPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to export preferences: %w", err)
	}
	now := opts.Now()
	return &reminder.Export{
		Version:     reminder.ExportVersion,
		Timestamp:   now,
		UserID:      userID,
		StorageType: name,
		Reminders:   rs,
		Preferences: prefs,
		Statistics:  reminder.ComputeStatistics(rs, now, opts.Location),
	}, nil
}
