package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/gorevise/pkg/model"
)

func statPoint(id int64, cat model.Category, m float64, lastSeen time.Time, next *time.Time) *model.KnowledgePoint {
	return &model.KnowledgePoint{
		ID:           id,
		Category:     cat,
		MasteryLevel: m,
		MistakeCount: 1,
		LastSeen:     lastSeen,
		NextReview:   next,
	}
}

func TestComputeStatistics(t *testing.T) {
	now := t0.Add(30 * 24 * time.Hour)
	recent := now.Add(-2 * 24 * time.Hour)
	old := now.Add(-20 * 24 * time.Hour)

	a := statPoint(1, model.Systematic, 0.1, recent, nil)
	a.History = []model.HistoryEntry{
		{At: recent, Action: model.ActionCreated},
		{At: recent, Action: model.ActionReviewCorrect},
		{At: old, Action: model.ActionMistake},
	}
	b := statPoint(2, model.Isolated, 0.5, old, model.TimePtr(now.Add(time.Hour)))
	c := statPoint(3, model.Isolated, 0.95, recent, model.TimePtr(now.Add(-time.Hour)))
	c.History = []model.HistoryEntry{{At: recent, Action: model.ActionReviewIncorrect}}
	d := statPoint(4, model.Other, 0.7, old, model.TimePtr(now.Add(24*time.Hour)))
	deleted := statPoint(5, model.Other, 0.2, recent, nil)
	deleted.IsDeleted = true

	st := ComputeStatistics([]*model.KnowledgePoint{a, b, c, d, deleted, nil}, now)

	assert.Equal(t, 4, st.Total)
	assert.Equal(t, map[model.Category]int{
		model.Systematic:  1,
		model.Isolated:    2,
		model.Enhancement: 0,
		model.Other:       1,
	}, st.ByCategory)
	assert.Equal(t, MasteryDistribution{Low: 1, Medium: 1, High: 2}, st.Mastery)
	assert.InDelta(t, 0.5625, st.AverageMastery, 1e-9)
	assert.Equal(t, 2, st.DueForReview)
	assert.Equal(t, RecentProgress{
		WindowDays:       7,
		ActivePoints:     2,
		MistakesRecorded: 1,
		CorrectReviews:   1,
		IncorrectReviews: 1,
		Mastered:         1,
	}, st.RecentProgress)
}

func TestComputeStatistics_Empty(t *testing.T) {
	st := ComputeStatistics(nil, t0)
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 0.0, st.AverageMastery)
	assert.Len(t, st.ByCategory, 4)
}

// The same operation sequence must produce the same aggregates on both
// backends.
func TestStatistics_BackendParity(t *testing.T) {
	type snapshot struct {
		stats      Statistics
		candidates []string
	}
	run := func(t *testing.T, backend string) snapshot {
		h := newHarness(t, backend, Options{DailyLimit: 3})
		ctx := context.Background()
		keys := []struct {
			key string
			cat model.Category
		}{
			{"a", model.Systematic}, {"b", model.Isolated}, {"c", model.Enhancement},
			{"d", model.Other}, {"e", model.Isolated}, {"f", model.Isolated},
		}
		for _, k := range keys {
			_, err := h.m.RecordOutcome(ctx, "u1", graded(k.key, k.cat), model.Incorrect)
			require.NoError(t, err)
			h.clock.Advance(time.Hour)
		}
		_, err := h.m.RecordOutcome(ctx, "u1", graded("a", model.Systematic), model.Correct)
		require.NoError(t, err)
		_, err = h.m.RecordReview(ctx, 2, true, "ok")
		require.NoError(t, err)
		_, err = h.m.SoftDelete(ctx, 4, "")
		require.NoError(t, err)
		h.clock.Advance(3 * 24 * time.Hour)

		st, err := h.m.Statistics(ctx)
		require.NoError(t, err)
		cands, err := h.m.ReviewCandidates(ctx, 0)
		require.NoError(t, err)
		var keysOut []string
		for _, c := range cands {
			keysOut = append(keysOut, c.Point.KeyPoint)
		}
		return snapshot{stats: st, candidates: keysOut}
	}

	file := run(t, "file")
	sqlite := run(t, "sqlite")
	assert.Equal(t, file, sqlite)
	assert.Equal(t, 4, file.stats.Total)
}
