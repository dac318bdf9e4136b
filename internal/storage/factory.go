package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"reminder-store/internal/errs"
	"reminder-store/internal/kvstore"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverNone   = "none"
)

// Config selects and sizes the backends.
type Config struct {
	DataDir       string
	IndexedDriver string
	MongoURI      string
	MongoDatabase string
	KVQuota       int64
	ProbeTimeout  time.Duration
	ProbeQuotaCap int64
	ProbeMinQuota int64
	Instrument    bool
	Options       Options
}

func (c Config) withDefaults() Config {
	if c.IndexedDriver == "" {
		c.IndexedDriver = DriverSQLite
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "reminder_store"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeQuotaCap <= 0 {
		c.ProbeQuotaCap = DefaultQuotaCap
	}
	if c.ProbeMinQuota <= 0 {
		c.ProbeMinQuota = DefaultMinQuota
	}
	c.Options = c.Options.withDefaults()
	return c
}

func (c Config) openKVStore() (kvstore.Store, error) {
	if c.DataDir == "" {
		return nil, errors.New("no data directory configured")
	}
	return kvstore.NewFileStore(filepath.Join(c.DataDir, "kv"), c.KVQuota)
}

// Builder constructs the adapter for one backend tier.
type Builder func(ctx context.Context) (Repository, error)

// DefaultBuilders returns the builders for the backends named in cfg.
func DefaultBuilders(cfg Config) map[Kind]Builder {
	cfg = cfg.withDefaults()
	builders := map[Kind]Builder{
		KindKeyValue: func(ctx context.Context) (Repository, error) {
			store, err := cfg.openKVStore()
			if err != nil {
				return nil, err
			}
			return NewKVStorage(store, cfg.Options)
		},
		KindMemory: func(ctx context.Context) (Repository, error) {
			return NewMemoryStorage(cfg.Options), nil
		},
	}
	switch cfg.IndexedDriver {
	case DriverSQLite:
		builders[KindIndexed] = func(ctx context.Context) (Repository, error) {
			return NewSQLiteStorage(ctx, filepath.Join(cfg.DataDir, "reminders.db"), cfg.Options)
		}
	case DriverMongo:
		builders[KindIndexed] = func(ctx context.Context) (Repository, error) {
			return NewMongoStorage(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.Options)
		}
	}
	return builders
}

// State is the selection state of a Factory.
type State string

const (
	StateUnprobed State = "unprobed"
	StateProbing  State = "probing"
	StateReady    State = "ready"
)

// Factory picks the most capable usable backend for each user. It never
// fails while the in-memory fallback is available.
type Factory struct {
	prober      *Prober
	builders    map[Kind]Builder
	instrument  bool
	openTimeout time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	state    State
	adapters map[Kind]Repository
	users    map[string]Kind
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithInstrumentation wraps every adapter in Instrumented.
func WithInstrumentation(on bool) FactoryOption {
	return func(f *Factory) { f.instrument = on }
}

func WithLogger(log *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if log != nil {
			f.log = log
		}
	}
}

// WithOpenTimeout bounds each adapter construction.
func WithOpenTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) { f.openTimeout = d }
}

func NewFactory(prober *Prober, builders map[Kind]Builder, opts ...FactoryOption) *Factory {
	f := &Factory{
		prober:      prober,
		builders:    make(map[Kind]Builder, len(builders)),
		openTimeout: DefaultProbeTimeout,
		log:         zap.NewNop(),
		state:       StateUnprobed,
		adapters:    make(map[Kind]Repository),
		users:       make(map[string]Kind),
	}
	for k, b := range builders {
		f.builders[k] = b
	}
	if _, ok := f.builders[KindMemory]; !ok {
		f.builders[KindMemory] = func(context.Context) (Repository, error) {
			return NewMemoryStorage(Options{}), nil
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFactoryFromConfig wires a prober and the default builders from cfg.
func NewFactoryFromConfig(cfg Config, log *zap.Logger) *Factory {
	cfg = cfg.withDefaults()
	if log == nil {
		log = cfg.Options.Logger
	}
	return NewFactory(NewProber(cfg, log), DefaultBuilders(cfg),
		WithInstrumentation(cfg.Instrument),
		WithLogger(log),
		WithOpenTimeout(cfg.ProbeTimeout))
}

// Repository returns the adapter for userID, probing and selecting one on the
// first request. The choice is cached so a user's backend stays stable.
func (f *Factory) Repository(ctx context.Context, userID string) (Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if kind, ok := f.users[userID]; ok {
		if repo, ok := f.adapters[kind]; ok {
			return repo, nil
		}
	}

	f.state = StateProbing
	caps := f.prober.Probe(ctx)
	for _, kind := range Kinds {
		c, ok := caps[kind]
		if kind != KindMemory && (!ok || !c.Available) {
			f.log.Info("skipping storage backend",
				zap.String("kind", string(kind)),
				zap.String("reason", string(c.Reason)),
				zap.String("details", c.Details))
			continue
		}
		repo, err := f.adapter(ctx, kind)
		if err != nil {
			f.log.Warn("storage backend failed to open", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		f.users[userID] = kind
		f.state = StateReady
		f.log.Info("selected storage backend", zap.String("user", userID), zap.String("kind", string(kind)))
		return repo, nil
	}

	f.state = StateUnprobed
	return nil, fmt.Errorf("no storage backend could be opened: %w", errs.ErrBackendUnavailable)
}

// adapter returns the shared instance for kind, building it on first use.
// Callers hold f.mu.
func (f *Factory) adapter(ctx context.Context, kind Kind) (Repository, error) {
	if repo, ok := f.adapters[kind]; ok {
		return repo, nil
	}
	build, ok := f.builders[kind]
	if !ok {
		return nil, fmt.Errorf("no builder for %s: %w", kind, errs.ErrBackendUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, f.openTimeout)
	defer cancel()
	repo, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if f.instrument {
		repo = NewInstrumented(repo, f.log.With(zap.String("kind", string(kind))))
	}
	f.adapters[kind] = repo
	return repo, nil
}

func (f *Factory) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Selected reports the backend chosen for userID, if any.
func (f *Factory) Selected(userID string) (Kind, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind, ok := f.users[userID]
	return kind, ok
}

// ClearCache closes every adapter and forgets all selections and probe
// results, so the next Repository call starts over.
func (f *Factory) ClearCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.closeAdapters()
	f.users = make(map[string]Kind)
	f.state = StateUnprobed
	f.prober.ClearCache()
	return err
}

// Close releases every adapter the factory opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.closeAdapters()
	f.users = make(map[string]Kind)
	f.state = StateUnprobed
	return err
}

func (f *Factory) closeAdapters() error {
	var errList []error
	for kind, repo := range f.adapters {
		if err := repo.Close(); err != nil {
			errList = append(errList, fmt.Errorf("failed to close %s backend: %w", kind, err))
		}
	}
	f.adapters = make(map[Kind]Repository)
	return errors.Join(errList...)
}
