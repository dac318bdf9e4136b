package reminder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reminder-store/internal/errs"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testReminder() *Reminder {
	r := NewReminder("user1", "Pay rent", "before noon", now.Add(2*time.Hour))
	r.AlertTimings = []int{30, 5, 5, 15}
	return r
}

func TestNormalizeAlertTimings(t *testing.T) {
	require.Equal(t, []int{5, 15, 30}, NormalizeAlertTimings([]int{30, 5, 5, 15}, nil))
	require.Equal(t, []int{10}, NormalizeAlertTimings([]int{-1, 0}, []int{10}))
	require.Equal(t, []int{15, 60}, NormalizeAlertTimings(nil, nil))
	require.Equal(t, []int{1, 2}, NormalizeAlertTimings(nil, []int{2, 1, 2}))
}

func TestPrepare(t *testing.T) {
	r := testReminder()
	require.NoError(t, Prepare(r, now, nil))
	require.Equal(t, StatusActive, r.Status)
	require.Equal(t, []int{5, 15, 30}, r.AlertTimings)
	require.Equal(t, now, r.CreatedAt)
	require.Equal(t, now, r.UpdatedAt)
	require.Equal(t, int64(1), r.Version)
	require.Nil(t, r.CompletedAt)

	past := testReminder()
	past.DueAt = now.Add(-time.Minute)
	require.NoError(t, Prepare(past, now, nil))
	require.Equal(t, StatusOverdue, past.Status)

	done := testReminder()
	done.DueAt = now.Add(-time.Hour)
	done.Status = StatusCompleted
	require.NoError(t, Prepare(done, now, nil))
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestPrepareKeepsCreatedAt(t *testing.T) {
	r := testReminder()
	created := now.Add(-48 * time.Hour)
	r.CreatedAt = created
	require.NoError(t, Prepare(r, now, nil))
	require.Equal(t, created, r.CreatedAt)
	require.Equal(t, now, r.UpdatedAt)
}

func TestNormalizeValidation(t *testing.T) {
	cases := map[string]func(r *Reminder){
		"blank title":      func(r *Reminder) { r.Title = "   " },
		"long title":       func(r *Reminder) { r.Title = strings.Repeat("x", MaxTitleLength+1) },
		"long description": func(r *Reminder) { r.Description = strings.Repeat("x", MaxDescriptionLength+1) },
		"zero due":         func(r *Reminder) { r.DueAt = time.Time{} },
		"no user":          func(r *Reminder) { r.UserID = "" },
		"bad category":     func(r *Reminder) { r.Category = "chores" },
		"bad priority":     func(r *Reminder) { r.Priority = "critical" },
		"bad status":       func(r *Reminder) { r.Status = "sleeping" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := testReminder()
			mutate(r)
			require.ErrorIs(t, Normalize(r, nil), errs.ErrValidation)
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	r := &Reminder{Title: "  Walk  ", DueAt: now, UserID: "u"}
	require.NoError(t, Normalize(r, []int{3}))
	require.Equal(t, "Walk", r.Title)
	require.Equal(t, CategoryPersonal, r.Category)
	require.Equal(t, PriorityMedium, r.Priority)
	require.Equal(t, []int{3}, r.AlertTimings)
}

func TestPrepareUpdate(t *testing.T) {
	existing := testReminder()
	require.NoError(t, Prepare(existing, now, nil))
	existing.ID = "rem1"

	later := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	// Moving due-at into the past re-derives status.
	updated, err := PrepareUpdate(existing, Patch{DueAt: &past}, later, nil)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, updated.Status)
	require.Equal(t, "rem1", updated.ID)
	require.Equal(t, existing.CreatedAt, updated.CreatedAt)
	require.Equal(t, later, updated.UpdatedAt)
	require.Equal(t, existing.Version+1, updated.Version)

	// The original is untouched.
	require.Equal(t, StatusActive, existing.Status)

	// An explicit status wins over derivation.
	active := StatusActive
	forced, err := PrepareUpdate(existing, Patch{DueAt: &past, Status: &active}, later, nil)
	require.NoError(t, err)
	require.Equal(t, StatusActive, forced.Status)

	completed := StatusCompleted
	done, err := PrepareUpdate(existing, Patch{Status: &completed}, later, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	blank := ""
	_, err = PrepareUpdate(existing, Patch{Title: &blank}, later, nil)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestPrepareTruncatesTimestamps(t *testing.T) {
	precise := time.Date(2030, 1, 2, 3, 4, 5, 123456789, time.UTC)
	millis := time.Date(2030, 1, 2, 3, 4, 5, 123000000, time.UTC)
	writeAt := now.Add(987654 * time.Nanosecond)

	r := NewReminder("user1", "Renew passport", "", precise)
	r.MarkCompleted(writeAt)
	require.NoError(t, Prepare(r, writeAt, nil))
	require.Equal(t, millis, r.DueAt)
	require.Equal(t, now, r.CreatedAt)
	require.Equal(t, now, r.UpdatedAt)
	require.Equal(t, now, *r.CompletedAt)

	r.Snooze(5, writeAt)
	require.Equal(t, now.Add(5*time.Minute), r.DueAt)
}

func TestSnoozeAndComplete(t *testing.T) {
	r := testReminder()
	r.MarkCompleted(now)
	require.True(t, r.IsCompleted())
	require.Equal(t, now, *r.CompletedAt)

	r.Snooze(10, now)
	require.Equal(t, StatusActive, r.Status)
	require.Equal(t, now.Add(10*time.Minute), r.DueAt)
	require.Nil(t, r.CompletedAt)
}

func TestCloneIsDeep(t *testing.T) {
	r := testReminder()
	r.MarkCompleted(now)
	c := r.Clone()
	c.AlertTimings[0] = 999
	*c.CompletedAt = now.Add(time.Hour)
	require.Equal(t, 30, r.AlertTimings[0])
	require.Equal(t, now, *r.CompletedAt)
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2026-03-14T12:00:00Z", "2026-03-14T12:00:00.123+02:00", "2026-03-14T12:00", "2026-03-14 12:00:00"} {
		_, err := ParseTime(s)
		require.NoError(t, err, s)
	}
	_, err := ParseTime("next tuesday")
	require.Error(t, err)
}
