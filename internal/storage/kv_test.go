package storage

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reminder-store/internal/errs"
	"reminder-store/internal/kvstore"
	"reminder-store/internal/reminder"
)

const kvTestQuota = 8192

func completedAt(r *reminder.Reminder, at time.Time) *reminder.Reminder {
	r.Status = reminder.StatusCompleted
	r.CompletedAt = &at
	return r
}

// fillStore saves small reminders built by mk until less than 1 KiB of
// quota is left.
func fillStore(t *testing.T, repo *KVStorage, store kvstore.Store, mk func(i int) *reminder.Reminder) int {
	t.Helper()
	n := 0
	for {
		usage, err := store.Usage()
		require.NoError(t, err)
		if usage >= store.Quota()-1024 {
			return n
		}
		_, err = repo.SaveReminder(context.Background(), mk(n))
		require.NoError(t, err)
		n++
	}
}

func TestKVStorageEvictsOldCompletedOnQuota(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := kvstore.NewMemStore(kvTestQuota)
	repo, err := NewKVStorage(store, testOptions(t, clock))
	require.NoError(t, err)

	recent := completedAt(testReminder("alice", "recent", baseTime), baseTime.Add(-24*time.Hour))
	recent, err = repo.SaveReminder(ctx, recent)
	require.NoError(t, err)

	old := fillStore(t, repo, store, func(i int) *reminder.Reminder {
		r := testReminder("alice", "old", baseTime.Add(-90*24*time.Hour))
		r.Description = strings.Repeat("o", 200)
		return completedAt(r, baseTime.Add(-60*24*time.Hour))
	})
	require.Positive(t, old)
	_, ok, err := repo.GetMetadata(ctx, MetaLastEviction)
	require.NoError(t, err)
	require.False(t, ok)

	big := testReminder("alice", "big", baseTime.Add(time.Hour))
	big.Description = strings.Repeat("b", reminder.MaxDescriptionLength)
	saved, err := repo.SaveReminder(ctx, big)
	require.NoError(t, err)

	rs, err := repo.GetReminders(ctx, "alice", reminder.Filter{Sort: reminder.SortByTitle})
	require.NoError(t, err)
	require.Equal(t, []string{"big", "recent"}, titles(rs))
	require.Equal(t, saved.ID, rs[0].ID)
	require.Equal(t, recent.ID, rs[1].ID)

	md, ok, err := repo.GetMetadata(ctx, MetaLastEviction)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strconv.Itoa(old), md.Value)
}

func TestKVStorageQuotaExceededWithNothingToEvict(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := kvstore.NewMemStore(kvTestQuota)
	repo, err := NewKVStorage(store, testOptions(t, clock))
	require.NoError(t, err)

	n := fillStore(t, repo, store, func(i int) *reminder.Reminder {
		r := testReminder("alice", "active", baseTime.Add(time.Hour))
		r.Description = strings.Repeat("a", 200)
		return r
	})

	big := testReminder("alice", "big", baseTime.Add(time.Hour))
	big.Description = strings.Repeat("b", reminder.MaxDescriptionLength)
	_, err = repo.SaveReminder(ctx, big)
	require.ErrorIs(t, err, errs.ErrQuotaExceeded)
	require.True(t, errs.IsStorageWarning(err))

	rs, err := repo.GetReminders(ctx, "alice", reminder.Filter{})
	require.NoError(t, err)
	require.Len(t, rs, n)

	info := repo.GetDatabaseInfo(ctx)
	require.Equal(t, int64(kvTestQuota), info.QuotaBytes)
	require.GreaterOrEqual(t, info.UsageBytes, int64(kvTestQuota-1024))
}

func TestKVStorageRecoversFromCorruptDocument(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := kvstore.NewMemStore(0)
	require.NoError(t, store.Set(kvDocumentKey, []byte(`{"reminders": [not json`)))

	repo, err := NewKVStorage(store, testOptions(t, clock))
	require.NoError(t, err)

	info := repo.GetDatabaseInfo(ctx)
	require.Empty(t, info.Error)
	require.NotEmpty(t, info.Warning)
	require.Zero(t, info.Reminders)

	rs, err := repo.GetReminders(ctx, "alice", reminder.Filter{})
	require.NoError(t, err)
	require.Empty(t, rs)

	_, err = repo.SaveReminder(ctx, testReminder("alice", "fresh", baseTime.Add(time.Hour)))
	require.NoError(t, err)
	info = repo.GetDatabaseInfo(ctx)
	require.Empty(t, info.Warning)
	require.Equal(t, 1, info.Reminders)
}

func TestKVStorageReadOnlyStore(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := kvstore.NewMemStore(0)
	repo, err := NewKVStorage(store, testOptions(t, clock))
	require.NoError(t, err)

	saved, err := repo.SaveReminder(ctx, testReminder("alice", "before", baseTime.Add(time.Hour)))
	require.NoError(t, err)

	store.SetReadOnly(true)
	_, err = repo.SaveReminder(ctx, testReminder("alice", "after", baseTime.Add(time.Hour)))
	require.ErrorIs(t, err, errs.ErrBackendUnavailable)

	got, ok, err := repo.GetReminderByID(ctx, saved.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "before", got.Title)
}

func TestKVStorageFileStorePersists(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	dir := t.TempDir()

	store, err := kvstore.NewFileStore(dir, 0)
	require.NoError(t, err)
	repo, err := NewKVStorage(store, testOptions(t, clock))
	require.NoError(t, err)
	saved, err := repo.SaveReminder(ctx, testReminder("alice", "durable", baseTime.Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, repo.SaveUserPreferences(ctx, &reminder.UserPreferences{UserID: "alice", Theme: "dark"}))
	require.True(t, repo.GetDatabaseInfo(ctx).Persistent)
	require.NoError(t, repo.Close())

	store, err = kvstore.NewFileStore(dir, 0)
	require.NoError(t, err)
	reopened, err := NewKVStorage(store, testOptions(t, clock))
	require.NoError(t, err)
	got, ok, err := reopened.GetReminderByID(ctx, saved.ID)
	require.NoError(t, err)
	require.True(t, ok)
	requireSameFields(t, saved, got)
	prefs, ok, err := reopened.GetUserPreferences(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dark", prefs.Theme)
}
