// Package gorevise tracks the knowledge points a learner keeps getting wrong
// and schedules them for review. An Engine fronts one storage backend with a
// cache, metrics and an optional trash janitor.
package gorevise

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/cache"
	"github.com/dan-solli/gorevise/pkg/knowledge"
	"github.com/dan-solli/gorevise/pkg/metrics"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/recommend"
	"github.com/dan-solli/gorevise/pkg/store"
	"github.com/dan-solli/gorevise/pkg/trace"
)

// Default storage locations.
const (
	DefaultFilePath    = "gorevise.json"
	DefaultDBPath      = "gorevise.db"
	DefaultJanitorSpec = "@daily"
)

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("gorevise: engine closed")

// Config holds configuration for an Engine
type Config struct {
	// Backend selects storage: store.BackendFile (default) or store.BackendSQLite.
	// It is fixed for the lifetime of the Engine.
	Backend string

	// FilePath is the JSON document used by the file backend (default "gorevise.json")
	FilePath string

	// DBPath is the SQLite database path (default "gorevise.db"). ":memory:" is allowed.
	DBPath string

	// Driver selects the SQLite driver: "sqlite" (pure Go, default) or "sqlite3" (cgo)
	Driver string

	// BusyTimeout is how long a SQLite writer waits for a lock (default 5s)
	BusyTimeout time.Duration

	// DailyLimit caps new isolated and enhancement points per user per day (default 15)
	DailyLimit int

	// DailyLimitSet makes a zero DailyLimit refuse every new limited point
	DailyLimitSet bool

	// QuotaDisabled turns the daily cap off for users without saved settings
	QuotaDisabled bool

	// HistoryLimit bounds each point's version history (default 20)
	HistoryLimit int

	// Location decides where a quota day starts (default UTC)
	Location *time.Location

	// RetentionDays is how long soft-deleted points are kept (default 30)
	RetentionDays int

	// MaxSweepBatch caps hard deletions per sweep (default 100)
	MaxSweepBatch int

	// HighValueFloor keeps trashed points with at least this many mistakes
	// out of sweeps (default 10, negative disables)
	HighValueFloor int

	// SweepInterval is the minimum spacing between sweeps (default 1m)
	SweepInterval time.Duration

	// CacheTTLs overrides per-category cache lifetimes
	CacheTTLs map[cache.Category]time.Duration

	// JanitorSpec is the cron schedule used by StartJanitor when none is given (default "@daily")
	JanitorSpec string

	// Clock overrides time.Now, mainly for tests
	Clock func() time.Time

	// TraceExporter, when set, receives a record of every completed
	// operation. The caller owns it and closes it after the Engine.
	TraceExporter trace.Exporter
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = store.BackendFile
	}
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.JanitorSpec == "" {
		c.JanitorSpec = DefaultJanitorSpec
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

func (c Config) managerOptions() knowledge.Options {
	return knowledge.Options{
		HistoryLimit:   c.HistoryLimit,
		DailyLimit:     c.DailyLimit,
		DailyLimitSet:  c.DailyLimitSet,
		QuotaDisabled:  c.QuotaDisabled,
		Location:       c.Location,
		RetentionDays:  c.RetentionDays,
		MaxSweepBatch:  c.MaxSweepBatch,
		HighValueFloor: c.HighValueFloor,
		SweepInterval:  c.SweepInterval,
		Clock:          c.Clock,
	}
}

// Engine is the entry point for recording outcomes and reading the derived
// views. It is safe for concurrent use.
type Engine struct {
	config      Config
	repo        store.Repository
	manager     *knowledge.Manager
	cache       *cache.Cache
	recommender *recommend.Engine
	metrics     metrics.Collector
	exporter    trace.Exporter
	logger      *zap.Logger

	mu      sync.Mutex
	janitor *Janitor
	closed  bool
}

// New opens the configured backend and creates an Engine.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}
	return newEngine(cfg, repo), nil
}

// NewWithRepository creates an Engine over an already opened repository.
// The Engine takes ownership and closes it on Close.
func NewWithRepository(cfg Config, repo store.Repository) (*Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: nil repository", model.ErrValidation)
	}
	cfg.applyDefaults()
	cfg.Backend = repo.Backend()
	return newEngine(cfg, repo), nil
}

func openRepository(cfg Config) (store.Repository, error) {
	switch cfg.Backend {
	case store.BackendFile:
		return store.NewFileRepository(cfg.FilePath)
	case store.BackendSQLite:
		return store.NewSQLiteRepository(cfg.DBPath, store.SQLiteOptions{
			Driver:      cfg.Driver,
			BusyTimeout: cfg.BusyTimeout,
		})
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", model.ErrValidation, cfg.Backend)
	}
}

func newEngine(cfg Config, repo store.Repository) *Engine {
	e := &Engine{
		config:   cfg,
		repo:     repo,
		manager:  knowledge.NewManager(repo, cfg.managerOptions()),
		cache:    cache.New(cache.Options{TTLs: cfg.CacheTTLs, Clock: cfg.Clock}),
		metrics:  metrics.NewNoopCollector(),
		exporter: cfg.TraceExporter,
		logger:   zap.NewNop(),
	}
	e.recommender = recommend.New(recommendSource{e}, cfg.Clock)
	return e
}

// WithLogger sets the logger for the Engine and everything it owns. A nil
// logger keeps the no-op logger.
func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	if logger == nil {
		return e
	}
	e.logger = logger.With(zap.String("backend", e.repo.Backend()))
	e.manager.WithLogger(logger)
	e.cache.WithLogger(e.logger)
	e.recommender.WithLogger(e.logger)
	return e
}

// WithMetrics sets the metrics collector. A nil collector keeps the no-op one.
func (e *Engine) WithMetrics(m metrics.Collector) *Engine {
	if m == nil {
		return e
	}
	e.metrics = m
	e.cache.WithMetrics(m)
	return e
}

// Backend returns the active backend name.
func (e *Engine) Backend() string { return e.repo.Backend() }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Manager exposes the underlying manager. Writes made through it bypass
// cache invalidation.
func (e *Engine) Manager() *knowledge.Manager { return e.manager }

// Close stops the janitor and closes the repository. It is safe to call
// more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	j := e.janitor
	e.janitor = nil
	e.mu.Unlock()

	if j != nil {
		j.Stop()
	}
	e.cache.Clear()
	return e.repo.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
