package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/store"
)

// SoftDelete moves a live point to the trash. Deleting a point already in
// the trash returns it unchanged.
func (m *Manager) SoftDelete(ctx context.Context, id int64, reason string) (*model.KnowledgePoint, error) {
	p, unlock, err := m.lockPoint(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if p.IsDeleted {
		return p, nil
	}

	now := m.now()
	p.AppendHistory(now, model.ActionSoftDeleted, map[string]any{"is_deleted": false}, m.opts.HistoryLimit)
	p.IsDeleted = true
	p.DeletedAt = model.TimePtr(now)
	p.DeletedReason = strings.TrimSpace(reason)
	if err := m.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("knowledge point moved to trash", zap.Int64("id", id))
	return p, nil
}

// RestoreResult reports what Restore did.
type RestoreResult struct {
	Point *model.KnowledgePoint `json:"point"`
	// Merged is set when a live point already owned the fingerprint and the
	// restored point was folded into it.
	Merged bool `json:"merged"`
}

// Restore brings a point back from the trash, keeping its mastery and
// history. If a live point has since taken the fingerprint, the trashed
// point is merged into it instead.
func (m *Manager) Restore(ctx context.Context, id int64) (RestoreResult, error) {
	p, unlock, err := m.lockPoint(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}
	defer unlock()
	if !p.IsDeleted {
		return RestoreResult{Point: p}, nil
	}

	now := m.now()
	live, err := m.repo.FindByFingerprint(ctx, p.Fingerprint)
	if err != nil {
		return RestoreResult{}, err
	}
	if live != nil {
		plan := Merge(live, p, now, m.opts.HistoryLimit)
		if err := m.repo.Absorb(ctx, plan.Point, p.ID, now); err != nil {
			return RestoreResult{}, err
		}
		m.logger.Info("restored point merged into live point",
			zap.Int64("id", id),
			zap.Int64("into", live.ID))
		return RestoreResult{Point: plan.Point, Merged: true}, nil
	}

	prior := map[string]any{"is_deleted": true, "deleted_reason": p.DeletedReason}
	if p.DeletedAt != nil {
		prior["deleted_at"] = p.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	p.AppendHistory(now, model.ActionRestored, prior, m.opts.HistoryLimit)
	p.IsDeleted = false
	p.DeletedAt = nil
	p.DeletedReason = ""
	if err := m.repo.Update(ctx, p); err != nil {
		return RestoreResult{}, err
	}
	m.logger.Info("knowledge point restored", zap.Int64("id", id))
	return RestoreResult{Point: p}, nil
}

// ListTrash returns soft-deleted points, oldest deletion first.
func (m *Manager) ListTrash(ctx context.Context) ([]*model.KnowledgePoint, error) {
	return m.repo.ListDeleted(ctx)
}

// SweepOptions overrides the Manager's sweep defaults for one call.
type SweepOptions struct {
	// RetentionDays is the minimum age of purged trash. Zero selects the
	// Manager's default; use NoRetention for an empty window.
	RetentionDays int

	// NoRetention purges eligible trash regardless of age, i.e. everything
	// deleted before now. RetentionDays must then be zero.
	NoRetention bool

	// MaxBatch caps purges for this call. Zero selects the default.
	MaxBatch int
}

// SweepReport lists what a sweep removed.
type SweepReport struct {
	Purged    []model.AuditEntry `json:"purged"`
	Remaining int                `json:"remaining"`
	Cutoff    time.Time          `json:"cutoff"`
}

// SweepTrash permanently removes trash older than the retention window, at
// most MaxBatch points per call. Points with many recorded mistakes are kept.
// Calls faster than the configured sweep interval return ErrRateLimited.
func (m *Manager) SweepTrash(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	if opts.RetentionDays < 0 || opts.MaxBatch < 0 {
		return SweepReport{}, fmt.Errorf("%w: retention and batch must be >= 0", model.ErrValidation)
	}
	if opts.NoRetention && opts.RetentionDays != 0 {
		return SweepReport{}, fmt.Errorf("%w: retention days set together with no retention", model.ErrValidation)
	}
	if opts.RetentionDays == 0 && !opts.NoRetention {
		opts.RetentionDays = m.opts.RetentionDays
	}
	if opts.MaxBatch == 0 {
		opts.MaxBatch = m.opts.MaxSweepBatch
	}
	now := m.now()
	if !m.sweeps.AllowN(now, 1) {
		return SweepReport{}, fmt.Errorf("%w: trash sweep ran less than %s ago", model.ErrRateLimited, m.opts.SweepInterval)
	}

	cutoff := now.Add(-time.Duration(opts.RetentionDays) * 24 * time.Hour)
	floor := m.opts.HighValueFloor
	if floor < 0 {
		floor = 0
	}
	purged, err := m.repo.PurgeTrash(ctx, store.PurgeRequest{
		Cutoff:         cutoff,
		MaxBatch:       opts.MaxBatch,
		HighValueFloor: floor,
		Now:            now,
	})
	if err != nil {
		return SweepReport{}, err
	}

	trash, err := m.repo.ListDeleted(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	m.logger.Info("trash sweep finished",
		zap.Int("purged", len(purged)),
		zap.Int("remaining", len(trash)),
		zap.Time("cutoff", cutoff))
	return SweepReport{Purged: purged, Remaining: len(trash), Cutoff: cutoff}, nil
}

// ListAudit returns purge audit entries, newest first.
func (m *Manager) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	return m.repo.ListAudit(ctx, limit)
}
