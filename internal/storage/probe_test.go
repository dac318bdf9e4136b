package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reminder-store/internal/errs"
	"reminder-store/internal/kvstore"
)

func testProbeConfig(t *testing.T) Config {
	return Config{
		DataDir:       t.TempDir(),
		ProbeTimeout:  time.Second,
		ProbeQuotaCap: 256 << 10,
		ProbeMinQuota: 64 << 10,
	}
}

func countingCheck(calls *atomic.Int32, c Capability) Check {
	return func(context.Context) Capability {
		calls.Add(1)
		return c
	}
}

func TestProberDefaultChecks(t *testing.T) {
	p := NewProber(testProbeConfig(t), zaptest.NewLogger(t))
	caps := p.Probe(context.Background())

	require.Len(t, caps, len(Kinds))
	for _, kind := range Kinds {
		require.True(t, caps[kind].Available, "%s: %+v", kind, caps[kind])
		require.Equal(t, ReasonOK, caps[kind].Reason)
	}
	require.Equal(t, int64(256<<10), caps[KindKeyValue].QuotaBytes)
}

func TestProberMemoizes(t *testing.T) {
	p := NewProber(testProbeConfig(t), zaptest.NewLogger(t))
	var calls atomic.Int32
	for _, kind := range Kinds {
		p.SetCheck(kind, countingCheck(&calls, Capability{Available: true, Reason: ReasonOK}))
	}

	ctx := context.Background()
	first := p.Probe(ctx)
	second := p.Probe(ctx)
	require.Equal(t, first, second)
	require.Equal(t, int32(len(Kinds)), calls.Load())
	require.Equal(t, 1, p.Runs())

	// Callers get a copy.
	first[KindIndexed] = Capability{Reason: ReasonWriteFailure}
	require.True(t, p.Probe(ctx)[KindIndexed].Available)

	p.ClearCache()
	p.Probe(ctx)
	require.Equal(t, int32(2*len(Kinds)), calls.Load())
	require.Equal(t, 2, p.Runs())
}

func TestProberTimeout(t *testing.T) {
	cfg := testProbeConfig(t)
	cfg.ProbeTimeout = 50 * time.Millisecond
	p := NewProber(cfg, zaptest.NewLogger(t))

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p.SetCheck(KindIndexed, func(context.Context) Capability {
		<-release
		return Capability{Available: true, Reason: ReasonOK}
	})

	start := time.Now()
	caps := p.Probe(context.Background())
	require.Less(t, time.Since(start), 5*time.Second)
	require.False(t, caps[KindIndexed].Available)
	require.Equal(t, ReasonTimeout, caps[KindIndexed].Reason)
	require.True(t, caps[KindMemory].Available)
}

func TestProberIndexedDriverNone(t *testing.T) {
	cfg := testProbeConfig(t)
	cfg.IndexedDriver = DriverNone
	caps := NewProber(cfg, nil).Probe(context.Background())

	require.False(t, caps[KindIndexed].Available)
	require.Equal(t, ReasonAPIMissing, caps[KindIndexed].Reason)
	require.True(t, caps[KindKeyValue].Available)
}

func TestProbeKeyValue(t *testing.T) {
	ctx := context.Background()

	t.Run("Unbounded", func(t *testing.T) {
		store := kvstore.NewMemStore(0)
		c := ProbeKeyValue(func() (kvstore.Store, error) { return store, nil }, 1<<20, 64<<10)(ctx)
		require.True(t, c.Available)
		require.Equal(t, ReasonOK, c.Reason)
		require.Equal(t, int64(1<<20), c.QuotaBytes)

		usage, err := store.Usage()
		require.NoError(t, err)
		require.Zero(t, usage)
	})

	t.Run("QuotaInsufficient", func(t *testing.T) {
		store := kvstore.NewMemStore(8 << 10)
		c := ProbeKeyValue(func() (kvstore.Store, error) { return store, nil }, 1<<20, 64<<10)(ctx)
		require.False(t, c.Available)
		require.Equal(t, ReasonQuotaInsufficient, c.Reason)
		require.Equal(t, int64(8<<10), c.QuotaBytes)
	})

	t.Run("PrivateMode", func(t *testing.T) {
		store := kvstore.NewMemStore(0)
		store.SetReadOnly(true)
		c := ProbeKeyValue(func() (kvstore.Store, error) { return store, nil }, 1<<20, 64<<10)(ctx)
		require.False(t, c.Available)
		require.Equal(t, ReasonPrivateMode, c.Reason)
	})

	t.Run("OpenFailure", func(t *testing.T) {
		c := ProbeKeyValue(func() (kvstore.Store, error) { return nil, errors.New("boom") }, 1<<20, 64<<10)(ctx)
		require.False(t, c.Available)
		require.Equal(t, ReasonWriteFailure, c.Reason)
		require.Contains(t, c.Details, "boom")
	})
}

func TestProbeSQLite(t *testing.T) {
	ctx := context.Background()

	t.Run("OK", func(t *testing.T) {
		dir := t.TempDir()
		c := ProbeSQLite(dir)(ctx)
		require.True(t, c.Available, c.Details)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("NoDataDir", func(t *testing.T) {
		c := ProbeSQLite("")(ctx)
		require.Equal(t, ReasonAPIMissing, c.Reason)
	})

	t.Run("NotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		c := ProbeSQLite(filepath.Join(file, "data"))(ctx)
		require.False(t, c.Available)
		require.Equal(t, ReasonWriteFailure, c.Reason)
	})
}

func TestProbeMongoWithoutURI(t *testing.T) {
	c := ProbeMongo("")(context.Background())
	require.False(t, c.Available)
	require.Equal(t, ReasonAPIMissing, c.Reason)
}

func TestClassifyWriteError(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{context.DeadlineExceeded, ReasonTimeout},
		{fmt.Errorf("write: %w", kvstore.ErrQuotaExceeded), ReasonQuotaInsufficient},
		{&fs.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}, ReasonQuotaInsufficient},
		{kvstore.ErrReadOnly, ReasonPrivateMode},
		{&fs.PathError{Op: "open", Path: "x", Err: syscall.EROFS}, ReasonPrivateMode},
		{fs.ErrPermission, ReasonPrivateMode},
		{fmt.Errorf("open: %w", errs.ErrBackendUnavailable), ReasonPrivateMode},
		{errors.New("anything else"), ReasonWriteFailure},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, classifyWriteError(tt.err), tt.err.Error())
	}
}
