package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"reminder-store/internal/errs"
	"reminder-store/internal/kvstore"
)

// Reason explains a probe result.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonAPIMissing        Reason = "api-missing"
	ReasonPrivateMode       Reason = "private-mode"
	ReasonWriteFailure      Reason = "write-failure"
	ReasonQuotaInsufficient Reason = "quota-insufficient"
	ReasonTimeout           Reason = "timeout"
)

// Capability is the probe result for one backend tier.
type Capability struct {
	Available  bool   `json:"available"`
	Reason     Reason `json:"reason"`
	Details    string `json:"details,omitempty"`
	QuotaBytes int64  `json:"quotaBytes,omitempty"`
}

// Capabilities maps each tier to its probe result.
type Capabilities map[Kind]Capability

// Check probes one backend. It must return promptly once ctx is done.
type Check func(ctx context.Context) Capability

const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultQuotaCap     = 10 << 20
	DefaultMinQuota     = 64 << 10
)

// Prober tests whether each backend is usable, not merely present. Results
// are memoized until ClearCache.
type Prober struct {
	timeout time.Duration
	checks  map[Kind]Check
	log     *zap.Logger

	mu     sync.Mutex
	cached Capabilities
	runs   int
}

// NewProber builds the checks described by cfg.
func NewProber(cfg Config, log *zap.Logger) *Prober {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	p := &Prober{
		timeout: cfg.ProbeTimeout,
		log:     log,
		checks: map[Kind]Check{
			KindKeyValue: ProbeKeyValue(func() (kvstore.Store, error) { return cfg.openKVStore() }, cfg.ProbeQuotaCap, cfg.ProbeMinQuota),
			KindMemory:   probeMemory,
		},
	}
	switch cfg.IndexedDriver {
	case DriverSQLite:
		p.checks[KindIndexed] = ProbeSQLite(cfg.DataDir)
	case DriverMongo:
		p.checks[KindIndexed] = ProbeMongo(cfg.MongoURI)
	default:
		p.checks[KindIndexed] = missing(fmt.Sprintf("indexed driver %q is not available", cfg.IndexedDriver))
	}
	return p
}

// SetCheck replaces the probe for kind and drops the memoized result.
func (p *Prober) SetCheck(kind Kind, c Check) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[kind] = c
	p.cached = nil
}

// Probe runs every check concurrently, each bounded by the probe timeout.
func (p *Prober) Probe(ctx context.Context) Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached.clone()
	}

	caps := make(Capabilities, len(Kinds))
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, kind := range Kinds {
		check, ok := p.checks[kind]
		if !ok {
			caps[kind] = Capability{Reason: ReasonAPIMissing, Details: "no probe registered"}
			continue
		}
		wg.Add(1)
		go func(kind Kind, check Check) {
			defer wg.Done()
			c := runCheck(ctx, p.timeout, check)
			resMu.Lock()
			caps[kind] = c
			resMu.Unlock()
		}(kind, check)
	}
	wg.Wait()

	for _, kind := range Kinds {
		c := caps[kind]
		p.log.Info("probed storage backend",
			zap.String("kind", string(kind)),
			zap.Bool("available", c.Available),
			zap.String("reason", string(c.Reason)),
			zap.String("details", c.Details))
	}
	p.cached = caps
	p.runs++
	return caps.clone()
}

// Runs reports how many times the checks have actually executed.
func (p *Prober) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// ClearCache forces the next Probe to run the checks again.
func (p *Prober) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func (c Capabilities) clone() Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func runCheck(ctx context.Context, timeout time.Duration, check Check) Capability {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Capability, 1)
	go func() { done <- check(ctx) }()

	select {
	case c := <-done:
		return c
	case <-ctx.Done():
		return Capability{Reason: ReasonTimeout, Details: fmt.Sprintf("probe did not finish within %s", timeout)}
	}
}

func missing(details string) Check {
	return func(context.Context) Capability {
		return Capability{Reason: ReasonAPIMissing, Details: details}
	}
}

func probeMemory(context.Context) Capability {
	return Capability{Available: true, Reason: ReasonOK}
}

func failed(reason Reason, err error) Capability {
	return Capability{Reason: reason, Details: err.Error()}
}

// classifyWriteError tells a substrate that opens but refuses writes apart
// from one that fails outright.
func classifyWriteError(err error) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, errs.ErrQuotaExceeded), errors.Is(err, syscall.ENOSPC):
		return ReasonQuotaInsufficient
	case errors.Is(err, kvstore.ErrReadOnly), errors.Is(err, syscall.EROFS), errors.Is(err, fs.ErrPermission),
		errors.Is(err, errs.ErrBackendUnavailable):
		return ReasonPrivateMode
	}
	return ReasonWriteFailure
}

// ProbeSQLite opens a throwaway database in dataDir and runs one
// write, read and delete transaction. The file is removed whatever happens.
func ProbeSQLite(dataDir string) Check {
	return func(ctx context.Context) Capability {
		if dataDir == "" {
			return Capability{Reason: ReasonAPIMissing, Details: "no data directory configured"}
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return failed(classifyWriteError(err), err)
		}

		path := filepath.Join(dataDir, "."+uuid.NewString()+".probe.db")
		defer func() {
			for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
				os.Remove(path + suffix)
			}
		}()

		db, err := sql.Open("sqlite3", "file:"+path)
		if err != nil {
			return failed(ReasonAPIMissing, err)
		}
		defer db.Close()

		err = probeSQLiteTx(ctx, db)
		if err != nil {
			return failed(classifyWriteError(mapSQLiteError("probe", err)), err)
		}
		return Capability{Available: true, Reason: ReasonOK}
	}
}

func probeSQLiteTx(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE probe (k TEXT PRIMARY KEY, v TEXT NOT NULL)"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO probe (k, v) VALUES ('k', 'v')"); err != nil {
		return err
	}
	var v string
	if err := tx.QueryRowContext(ctx, "SELECT v FROM probe WHERE k = 'k'").Scan(&v); err != nil {
		return err
	}
	if v != "v" {
		return fmt.Errorf("read back %q", v)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM probe WHERE k = 'k'"); err != nil {
		return err
	}
	return tx.Commit()
}

// ProbeMongo connects, round-trips one document through a throwaway
// collection and drops it.
func ProbeMongo(uri string) Check {
	return func(ctx context.Context) Capability {
		if uri == "" {
			return Capability{Reason: ReasonAPIMissing, Details: "no MongoDB URI configured"}
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return failed(ReasonAPIMissing, err)
		}
		defer client.Disconnect(context.Background())

		if err := client.Ping(ctx, nil); err != nil {
			return failed(classifyWriteError(err), err)
		}

		coll := client.Database("reminder_probe").Collection("probe_" + uuid.NewString())
		defer coll.Drop(context.Background())

		if _, err := coll.InsertOne(ctx, bson.M{"_id": "k", "v": "v"}); err != nil {
			return failed(classifyWriteError(mapMongoError("probe insert", err)), err)
		}
		var doc bson.M
		if err := coll.FindOne(ctx, bson.M{"_id": "k"}).Decode(&doc); err != nil {
			return failed(ReasonWriteFailure, err)
		}
		if _, err := coll.DeleteOne(ctx, bson.M{"_id": "k"}); err != nil {
			return failed(ReasonWriteFailure, err)
		}
		return Capability{Available: true, Reason: ReasonOK}
	}
}

// ProbeKeyValue writes, reads and removes a sentinel key, then estimates the
// usable quota by doubling a payload from 1 KiB until a write fails or
// quotaCap is reached.
func ProbeKeyValue(open func() (kvstore.Store, error), quotaCap, minQuota int64) Check {
	return func(ctx context.Context) Capability {
		store, err := open()
		if err != nil {
			return failed(classifyWriteError(err), err)
		}
		key := ".probe-" + uuid.NewString()
		defer store.Remove(key)

		if err := store.Set(key, []byte("probe")); err != nil {
			return failed(classifyWriteError(err), err)
		}
		got, ok, err := store.Get(key)
		if err != nil || !ok || string(got) != "probe" {
			return Capability{Reason: ReasonWriteFailure, Details: "sentinel key did not read back"}
		}

		var estimate int64
		for size := int64(1 << 10); size <= quotaCap; size *= 2 {
			if ctx.Err() != nil {
				break
			}
			if err := store.Set(key, make([]byte, size)); err != nil {
				break
			}
			estimate = size
		}
		if estimate < minQuota {
			return Capability{
				Reason:     ReasonQuotaInsufficient,
				Details:    fmt.Sprintf("about %d bytes usable, %d required", estimate, minQuota),
				QuotaBytes: estimate,
			}
		}
		return Capability{Available: true, Reason: ReasonOK, QuotaBytes: estimate}
	}
}
