// Package knowledge owns the lifecycle of knowledge points: identity and
// merging, outcome recording, the daily quota gate, soft deletion and the
// trash sweep.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/store"
)

// Options configures a Manager. Zero values select the defaults noted on
// each field.
type Options struct {
	// HistoryLimit bounds per-point history (default 20).
	HistoryLimit int

	// DailyLimit is the default per-user cap on new isolated and
	// enhancement points (default 15).
	DailyLimit int

	// DailyLimitSet makes a zero DailyLimit mean zero, refusing every new
	// limited point, instead of selecting the default.
	DailyLimitSet bool

	// QuotaDisabled turns the daily cap off for users without settings.
	QuotaDisabled bool

	// Location decides where a quota day starts (default UTC).
	Location *time.Location

	// RetentionDays is how long trash is kept before a sweep may purge it
	// (default 30).
	RetentionDays int

	// MaxSweepBatch caps purges per sweep (default 100).
	MaxSweepBatch int

	// HighValueFloor exempts points with at least this many mistakes from
	// purging (default 10). Negative disables the exemption.
	HighValueFloor int

	// SweepInterval is the minimum spacing between sweeps (default 1m).
	SweepInterval time.Duration

	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// DefaultOptions returns the options with every default applied.
func DefaultOptions() Options {
	var o Options
	o.applyDefaults()
	return o
}

func (o *Options) applyDefaults() {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = model.DefaultHistoryLimit
	}
	if o.DailyLimit < 0 || (o.DailyLimit == 0 && !o.DailyLimitSet) {
		o.DailyLimit = model.DefaultDailyLimit
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.MaxSweepBatch <= 0 {
		o.MaxSweepBatch = 100
	}
	if o.HighValueFloor == 0 {
		o.HighValueFloor = 10
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Manager coordinates knowledge-point mutations over a Repository.
type Manager struct {
	repo   store.Repository
	opts   Options
	locks  *keyedMutex
	sweeps *rate.Limiter
	logger *zap.Logger
}

// NewManager wraps repo. The repository is used as-is for the Manager's
// lifetime.
func NewManager(repo store.Repository, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		repo:   repo,
		opts:   opts,
		locks:  newKeyedMutex(),
		sweeps: rate.NewLimiter(rate.Every(opts.SweepInterval), 1),
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger for the Manager. A nil logger keeps the no-op
// logger.
func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	if logger != nil {
		m.logger = logger.With(zap.String("backend", m.repo.Backend()))
	}
	return m
}

// Repository returns the underlying repository.
func (m *Manager) Repository() store.Repository { return m.repo }

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

func (m *Manager) now() time.Time {
	return m.opts.Clock().UTC()
}

func (m *Manager) defaultSettings() model.UserSettings {
	return model.UserSettings{DailyLimit: m.opts.DailyLimit, LimitEnabled: !m.opts.QuotaDisabled}
}

func userOrDefault(userID string) string {
	if userID == "" {
		return model.DefaultUserID
	}
	return userID
}

// Resolve returns the live point with the fingerprint, or nil.
func (m *Manager) Resolve(ctx context.Context, fingerprint string) (*model.KnowledgePoint, error) {
	return m.repo.FindByFingerprint(ctx, fingerprint)
}

// Get returns a live point. Soft-deleted points are reported as not found.
func (m *Manager) Get(ctx context.Context, id int64) (*model.KnowledgePoint, error) {
	p, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted {
		return nil, fmt.Errorf("%w: id %d is in trash", model.ErrNotFound, id)
	}
	return p, nil
}

// List returns every live point ordered by id.
func (m *Manager) List(ctx context.Context) ([]*model.KnowledgePoint, error) {
	return m.repo.ListLive(ctx)
}

// lockPoint loads a live point and holds its fingerprint lock. The point is
// re-read under the lock so concurrent writers observe each other.
func (m *Manager) lockPoint(ctx context.Context, id int64) (*model.KnowledgePoint, func(), error) {
	p, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := m.locks.Lock(p.Fingerprint)
	p, err = m.repo.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return p, unlock, nil
}
