package gorevise

import (
	"context"

	"github.com/dan-solli/gorevise/pkg/cache"
	"github.com/dan-solli/gorevise/pkg/knowledge"
	"github.com/dan-solli/gorevise/pkg/metrics"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/recommend"
	"github.com/dan-solli/gorevise/pkg/review"
)

// Cache categories invalidated by each kind of write.
var (
	createdScope = []cache.Category{cache.Statistics, cache.KnowledgePoints, cache.ReviewCandidates, cache.SearchResults}
	updatedScope = []cache.Category{cache.Statistics, cache.KnowledgePoints, cache.ReviewCandidates}

	// Soft delete, restore, sweep and import change which points are live.
	lifecycleScope   = createdScope
	annotationScope  = []cache.Category{cache.KnowledgePoints, cache.SearchResults}
	preferencesScope = []cache.Category{cache.UserPreferences}
)

const (
	keyAllPoints  = "live"
	keyStatistics = "all"
)

func (e *Engine) invalidate(tr *opTrace, cats []cache.Category) {
	sp := tr.span(StageInvalidate)
	e.cache.Invalidate(cats...)
	sp.finish(nil)
}

// outcomeScope returns the categories a RecordOutcome result invalidates.
func outcomeScope(res knowledge.Result) []cache.Category {
	switch res.Status {
	case knowledge.StatusCreated:
		return createdScope
	case knowledge.StatusUpdated, knowledge.StatusMerged:
		return updatedScope
	default:
		return nil
	}
}

func (e *Engine) recordQuotaDecision(ctx context.Context, res knowledge.Result) {
	switch res.Status {
	case knowledge.StatusCreated:
		decision := metrics.QuotaExempt
		if res.Point.Category.Limited() {
			decision = metrics.QuotaAdmitted
		}
		e.metrics.RecordQuotaDecision(ctx, res.Point.Category.String(), decision)
	case knowledge.StatusPending:
		e.metrics.RecordQuotaDecision(ctx, res.Pending.Error.Category.String(), metrics.QuotaDeferred)
	}
}

// RecordOutcome folds one graded attempt into the store. A creation refused
// by the daily quota comes back with StatusPending and a nil error.
func (e *Engine) RecordOutcome(ctx context.Context, userID string, g model.GradedError, outcome model.Outcome) (knowledge.Result, error) {
	return run(ctx, e, "record_outcome", func(tr *opTrace) (knowledge.Result, error) {
		sp := tr.span(StageStore)
		res, err := e.manager.RecordOutcome(ctx, userID, g, outcome)
		sp.finish(err)
		if err != nil {
			return res, err
		}
		if res.Point != nil {
			tr.id("point_id", res.Point.ID)
		}
		e.recordQuotaDecision(ctx, res)
		if scope := outcomeScope(res); scope != nil {
			e.invalidate(tr, scope)
		}
		return res, nil
	})
}

// ConfirmPending stores a point the quota previously refused.
func (e *Engine) ConfirmPending(ctx context.Context, pending knowledge.Pending) (knowledge.Result, error) {
	return run(ctx, e, "confirm_pending", func(tr *opTrace) (knowledge.Result, error) {
		sp := tr.span(StageStore)
		res, err := e.manager.ConfirmPending(ctx, pending)
		sp.finish(err)
		if err != nil {
			return res, err
		}
		if res.Point != nil {
			tr.id("point_id", res.Point.ID)
		}
		e.recordQuotaDecision(ctx, res)
		if scope := outcomeScope(res); scope != nil {
			e.invalidate(tr, scope)
		}
		return res, nil
	})
}

// RecordReview records the answer to a scheduled review of point id.
func (e *Engine) RecordReview(ctx context.Context, id int64, correct bool, answer string) (*model.KnowledgePoint, error) {
	return run(ctx, e, "record_review", func(tr *opTrace) (*model.KnowledgePoint, error) {
		sp := tr.span(StageStore)
		tr.id("point_id", id)
		p, err := e.manager.RecordReview(ctx, id, correct, answer)
		sp.finish(err)
		if err != nil {
			return nil, err
		}
		e.invalidate(tr, updatedScope)
		return p, nil
	})
}

// GetReviewCandidates returns the due points by descending priority. A limit
// <= 0 returns every due point.
func (e *Engine) GetReviewCandidates(ctx context.Context, limit int) ([]review.Candidate, error) {
	return run(ctx, e, "get_review_candidates", func(tr *opTrace) ([]review.Candidate, error) {
		return e.reviewCandidates(ctx, tr, limit)
	})
}

func (e *Engine) reviewCandidates(ctx context.Context, tr *opTrace, limit int) ([]review.Candidate, error) {
	if limit < 0 {
		limit = 0
	}
	sp := tr.span(StageCache)
	out, err := cache.Fetch(ctx, e.cache, cache.ReviewCandidates, cache.Key("limit", limit),
		func(ctx context.Context) ([]review.Candidate, error) {
			return e.manager.ReviewCandidates(ctx, limit)
		})
	sp.finish(err)
	if err != nil {
		return nil, err
	}
	return cloneCandidates(out), nil
}

// GetStatistics returns aggregates over the live points.
func (e *Engine) GetStatistics(ctx context.Context) (knowledge.Statistics, error) {
	return run(ctx, e, "get_statistics", func(tr *opTrace) (knowledge.Statistics, error) {
		return e.statistics(ctx, tr)
	})
}

func (e *Engine) statistics(ctx context.Context, tr *opTrace) (knowledge.Statistics, error) {
	sp := tr.span(StageCache)
	st, err := cache.Fetch(ctx, e.cache, cache.Statistics, keyStatistics, e.manager.Statistics)
	sp.finish(err)
	if err != nil {
		return knowledge.Statistics{}, err
	}
	return cloneStatistics(st), nil
}

// GetRecommendations builds study suggestions for userID.
func (e *Engine) GetRecommendations(ctx context.Context, userID string) (recommend.Result, error) {
	return run(ctx, e, "get_recommendations", func(tr *opTrace) (recommend.Result, error) {
		sp := tr.span(StageRecommend)
		res, err := e.recommender.Recommend(ctx, userID)
		sp.finish(err)
		return res, err
	})
}

// SoftDelete moves a live point to the trash.
func (e *Engine) SoftDelete(ctx context.Context, id int64, reason string) (*model.KnowledgePoint, error) {
	return run(ctx, e, "soft_delete", func(tr *opTrace) (*model.KnowledgePoint, error) {
		sp := tr.span(StageStore)
		tr.id("point_id", id)
		p, err := e.manager.SoftDelete(ctx, id, reason)
		sp.finish(err)
		if err != nil {
			return nil, err
		}
		e.invalidate(tr, lifecycleScope)
		return p, nil
	})
}

// Restore brings a trashed point back.
func (e *Engine) Restore(ctx context.Context, id int64) (knowledge.RestoreResult, error) {
	return run(ctx, e, "restore", func(tr *opTrace) (knowledge.RestoreResult, error) {
		sp := tr.span(StageStore)
		tr.id("point_id", id)
		res, err := e.manager.Restore(ctx, id)
		sp.finish(err)
		if err != nil {
			return res, err
		}
		e.invalidate(tr, lifecycleScope)
		return res, nil
	})
}

// ListTrash returns the soft-deleted points, most recently deleted first.
func (e *Engine) ListTrash(ctx context.Context) ([]*model.KnowledgePoint, error) {
	return run(ctx, e, "list_trash", func(tr *opTrace) ([]*model.KnowledgePoint, error) {
		sp := tr.span(StageStore)
		points, err := e.manager.ListTrash(ctx)
		sp.finish(err)
		return points, err
	})
}

// SweepTrash permanently removes expired trash.
func (e *Engine) SweepTrash(ctx context.Context, opts knowledge.SweepOptions) (knowledge.SweepReport, error) {
	return run(ctx, e, "sweep_trash", func(tr *opTrace) (knowledge.SweepReport, error) {
		sp := tr.span(StageStore)
		report, err := e.manager.SweepTrash(ctx, opts)
		sp.finish(err)
		if err != nil {
			return report, err
		}
		if len(report.Purged) > 0 {
			e.invalidate(tr, lifecycleScope)
		}
		return report, nil
	})
}

// GetDailyQuotaStatus returns today's quota usage for userID. It is read
// from the store on every call since each creation changes it.
func (e *Engine) GetDailyQuotaStatus(ctx context.Context, userID string) (model.QuotaStatus, error) {
	return run(ctx, e, "get_daily_quota_status", func(tr *opTrace) (model.QuotaStatus, error) {
		sp := tr.span(StageStore)
		st, err := e.manager.QuotaStatus(ctx, userID)
		sp.finish(err)
		return st, err
	})
}

// SetDailyQuotaConfig stores userID's daily limit.
func (e *Engine) SetDailyQuotaConfig(ctx context.Context, userID string, limit int, enabled bool) (model.QuotaStatus, error) {
	return run(ctx, e, "set_daily_quota_config", func(tr *opTrace) (model.QuotaStatus, error) {
		sp := tr.span(StageStore)
		st, err := e.manager.SetQuotaConfig(ctx, userID, limit, enabled)
		sp.finish(err)
		if err != nil {
			return st, err
		}
		e.invalidate(tr, preferencesScope)
		return st, nil
	})
}

// GetUserSettings returns userID's quota settings.
func (e *Engine) GetUserSettings(ctx context.Context, userID string) (model.UserSettings, error) {
	return run(ctx, e, "get_user_settings", func(tr *opTrace) (model.UserSettings, error) {
		if userID == "" {
			userID = model.DefaultUserID
		}
		sp := tr.span(StageCache)
		s, err := cache.Fetch(ctx, e.cache, cache.UserPreferences, userID,
			func(ctx context.Context) (model.UserSettings, error) {
				return e.manager.Settings(ctx, userID)
			})
		sp.finish(err)
		return s, err
	})
}

// GetKnowledgePoint returns a live point by id.
func (e *Engine) GetKnowledgePoint(ctx context.Context, id int64) (*model.KnowledgePoint, error) {
	return run(ctx, e, "get_knowledge_point", func(tr *opTrace) (*model.KnowledgePoint, error) {
		tr.id("point_id", id)
		sp := tr.span(StageCache)
		p, err := cache.Fetch(ctx, e.cache, cache.KnowledgePoints, cache.Key("id", id),
			func(ctx context.Context) (*model.KnowledgePoint, error) {
				return e.manager.Get(ctx, id)
			})
		sp.finish(err)
		if err != nil {
			return nil, err
		}
		return p.Clone(), nil
	})
}

// ListKnowledgePoints returns every live point ordered by id.
func (e *Engine) ListKnowledgePoints(ctx context.Context) ([]*model.KnowledgePoint, error) {
	return run(ctx, e, "list_knowledge_points", func(tr *opTrace) ([]*model.KnowledgePoint, error) {
		return e.livePoints(ctx, tr)
	})
}

func (e *Engine) livePoints(ctx context.Context, tr *opTrace) ([]*model.KnowledgePoint, error) {
	sp := tr.span(StageCache)
	points, err := cache.Fetch(ctx, e.cache, cache.KnowledgePoints, keyAllPoints, e.manager.List)
	sp.finish(err)
	if err != nil {
		return nil, err
	}
	return clonePoints(points), nil
}

// Search returns live points whose text, tags or notes contain query.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]*model.KnowledgePoint, error) {
	return run(ctx, e, "search", func(tr *opTrace) ([]*model.KnowledgePoint, error) {
		key := cache.Key(model.Normalize(query), limit)
		sp := tr.span(StageCache)
		points, err := cache.Fetch(ctx, e.cache, cache.SearchResults, key,
			func(ctx context.Context) ([]*model.KnowledgePoint, error) {
				return e.manager.Search(ctx, query, limit)
			})
		sp.finish(err)
		if err != nil {
			return nil, err
		}
		return clonePoints(points), nil
	})
}

// UpdateNotes replaces a point's notes.
func (e *Engine) UpdateNotes(ctx context.Context, id int64, notes string) (*model.KnowledgePoint, error) {
	return run(ctx, e, "update_notes", func(tr *opTrace) (*model.KnowledgePoint, error) {
		sp := tr.span(StageStore)
		tr.id("point_id", id)
		p, err := e.manager.UpdateNotes(ctx, id, notes)
		sp.finish(err)
		if err != nil {
			return nil, err
		}
		e.invalidate(tr, annotationScope)
		return p, nil
	})
}

// SetTags replaces a point's tags.
func (e *Engine) SetTags(ctx context.Context, id int64, tags []string) (*model.KnowledgePoint, error) {
	return run(ctx, e, "set_tags", func(tr *opTrace) (*model.KnowledgePoint, error) {
		sp := tr.span(StageStore)
		tr.id("point_id", id)
		p, err := e.manager.SetTags(ctx, id, tags)
		sp.finish(err)
		if err != nil {
			return nil, err
		}
		e.invalidate(tr, annotationScope)
		return p, nil
	})
}

// Import loads exported points, merging those whose fingerprint is already
// live. Imports bypass the daily quota.
func (e *Engine) Import(ctx context.Context, points []*model.KnowledgePoint) (knowledge.ImportReport, error) {
	return run(ctx, e, "import", func(tr *opTrace) (knowledge.ImportReport, error) {
		sp := tr.span(StageStore)
		report, err := e.manager.Import(ctx, points)
		sp.finish(err)
		// A failed import may still have stored some points.
		if err == nil || report.Created+report.Merged > 0 {
			e.invalidate(tr, lifecycleScope)
		}
		return report, err
	})
}

// ListAudit returns purge audit entries, newest first.
func (e *Engine) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	return run(ctx, e, "list_audit", func(tr *opTrace) ([]model.AuditEntry, error) {
		sp := tr.span(StageStore)
		entries, err := e.manager.ListAudit(ctx, limit)
		sp.finish(err)
		return entries, err
	})
}

// CacheStats returns the cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// recommendSource adapts the Engine's cached reads for the recommender
// without reporting them as separate operations.
type recommendSource struct{ e *Engine }

var _ recommend.Source = recommendSource{}

func (s recommendSource) ListKnowledgePoints(ctx context.Context) ([]*model.KnowledgePoint, error) {
	return s.e.livePoints(ctx, newTrace("recommend"))
}

func (s recommendSource) GetReviewCandidates(ctx context.Context, limit int) ([]review.Candidate, error) {
	return s.e.reviewCandidates(ctx, newTrace("recommend"), limit)
}

func (s recommendSource) GetDailyQuotaStatus(ctx context.Context, userID string) (model.QuotaStatus, error) {
	return s.e.manager.QuotaStatus(ctx, userID)
}

func clonePoints(points []*model.KnowledgePoint) []*model.KnowledgePoint {
	out := make([]*model.KnowledgePoint, len(points))
	for i, p := range points {
		out[i] = p.Clone()
	}
	return out
}

func cloneCandidates(cs []review.Candidate) []review.Candidate {
	out := make([]review.Candidate, len(cs))
	for i, c := range cs {
		c.Point = c.Point.Clone()
		out[i] = c
	}
	return out
}

func cloneStatistics(st knowledge.Statistics) knowledge.Statistics {
	by := make(map[model.Category]int, len(st.ByCategory))
	for c, n := range st.ByCategory {
		by[c] = n
	}
	st.ByCategory = by
	return st
}
