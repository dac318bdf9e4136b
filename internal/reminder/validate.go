package reminder

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"reminder-store/internal/errs"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
)

// TimePrecision is the resolution every backend keeps timestamps at.
// Records are truncated to it before a write so a saved record and a later
// read of it compare equal on any backend.
const TimePrecision = time.Millisecond

// DefaultAlertTimings is used when no configured default set is supplied.
var DefaultAlertTimings = []int{15, 60}

// Patch holds optional fields for a partial update. Nil fields are left unchanged.
// A non-nil AlertTimings replaces the set, an empty one resets it to the defaults.
type Patch struct {
	Title               *string
	Description         *string
	DueAt               *time.Time
	Category            *Category
	Priority            *Priority
	NotificationEnabled *bool
	AlertTimings        []int
	Status              *Status
}

// Apply merges the patch into r.
func (p Patch) Apply(r *Reminder) {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.DueAt != nil {
		r.DueAt = *p.DueAt
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.NotificationEnabled != nil {
		r.NotificationEnabled = *p.NotificationEnabled
	}
	if p.AlertTimings != nil {
		r.AlertTimings = append([]int{}, p.AlertTimings...)
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
}

// NormalizeAlertTimings keeps positive values, dedupes and sorts ascending.
// An empty result is replaced by defaults.
func NormalizeAlertTimings(timings, defaults []int) []int {
	seen := make(map[int]struct{}, len(timings))
	out := make([]int, 0, len(timings))
	for _, m := range timings {
		if m <= 0 {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	if len(out) == 0 {
		if len(defaults) == 0 {
			defaults = DefaultAlertTimings
		}
		return NormalizeAlertTimings(defaults, DefaultAlertTimings)
	}
	sort.Ints(out)
	return out
}

// Normalize validates r and fills in defaults. Due-at is truncated to
// TimePrecision; status, stamps and version are left alone.
func Normalize(r *Reminder, defaultTimings []int) error {
	if r == nil {
		return fmt.Errorf("%w: nil reminder", errs.ErrValidation)
	}
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", errs.ErrValidation)
	}
	if utf8.RuneCountInString(r.Title) > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", errs.ErrValidation, MaxTitleLength)
	}
	if utf8.RuneCountInString(r.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", errs.ErrValidation, MaxDescriptionLength)
	}
	if r.DueAt.IsZero() {
		return fmt.Errorf("%w: due date is required", errs.ErrValidation)
	}
	r.DueAt = r.DueAt.Truncate(TimePrecision)
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}

	if r.Category == "" {
		r.Category = CategoryPersonal
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", errs.ErrValidation, r.Category)
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if r.Priority.Rank() == 0 {
		return fmt.Errorf("%w: unknown priority %q", errs.ErrValidation, r.Priority)
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", errs.ErrValidation, r.Status)
	}

	r.AlertTimings = NormalizeAlertTimings(r.AlertTimings, defaultTimings)
	return nil
}

// DeriveStatus returns overdue when due is at or before now, active otherwise.
func DeriveStatus(due, now time.Time) Status {
	if !due.After(now) {
		return StatusOverdue
	}
	return StatusActive
}

// stamp records a write at now.
func stamp(r *Reminder, now time.Time) {
	now = now.Truncate(TimePrecision)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.Truncate(TimePrecision)
	r.UpdatedAt = now
	r.Version++
	if r.Status == StatusCompleted {
		t := now
		if r.CompletedAt != nil {
			t = r.CompletedAt.Truncate(TimePrecision)
		}
		r.CompletedAt = &t
	} else {
		r.CompletedAt = nil
	}
}

// Prepare readies r for a save: validation, defaults, derived status
// (completed is preserved) and timestamps. r is modified in place.
func Prepare(r *Reminder, now time.Time, defaultTimings []int) error {
	if err := Normalize(r, defaultTimings); err != nil {
		return err
	}
	if r.Status != StatusCompleted {
		r.Status = DeriveStatus(r.DueAt, now)
	}
	stamp(r, now)
	return nil
}

// PrepareUpdate merges p over a copy of existing and readies it for a save.
// Status is re-derived from due-at unless the patch sets it explicitly or the
// record is already completed.
func PrepareUpdate(existing *Reminder, p Patch, now time.Time, defaultTimings []int) (*Reminder, error) {
	merged := existing.Clone()
	p.Apply(merged)
	merged.ID = existing.ID
	merged.UserID = existing.UserID
	merged.CreatedAt = existing.CreatedAt
	if err := Normalize(merged, defaultTimings); err != nil {
		return nil, err
	}
	if p.Status == nil && merged.Status != StatusCompleted {
		merged.Status = DeriveStatus(merged.DueAt, now)
	}
	stamp(merged, now)
	return merged, nil
}

// ParseTime accepts the ISO-8601 shapes produced by browsers and SQL engines.
func ParseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time string: %s", s)
}
