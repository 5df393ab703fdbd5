package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/gorevise/pkg/model"
)

func mergeFixture() (*model.KnowledgePoint, *model.KnowledgePoint) {
	existing := graded("merge", model.Systematic).NewPoint(t0)
	existing.ID = 1
	existing.MistakeCount = 3
	existing.CorrectCount = 1
	existing.MasteryLevel = 0.25
	existing.Explanation = "short"
	existing.Tags = []string{"b"}
	existing.Notes = "first"
	existing.LastSeen = t0.Add(time.Hour)

	incoming := graded("merge", model.Systematic).NewPoint(t0.Add(-24 * time.Hour))
	incoming.ID = 2
	incoming.MistakeCount = 1
	incoming.CorrectCount = 3
	incoming.Explanation = "a much longer explanation"
	incoming.Tags = []string{"a", "b"}
	incoming.Notes = "second"
	incoming.LastSeen = t0.Add(2 * time.Hour)
	return existing, incoming
}

func TestMerge_Plan(t *testing.T) {
	existing, incoming := mergeFixture()
	before := existing.Clone()

	plan := Merge(existing, incoming, t0.Add(3*time.Hour), 0)
	p := plan.Point

	assert.Equal(t, int64(1), p.ID)
	assert.Equal(t, int64(2), plan.AbsorbedID)
	assert.Equal(t, 4, p.MistakeCount)
	assert.Equal(t, 4, p.CorrectCount)
	assert.InDelta(t, 0.5, p.MasteryLevel, 1e-9)
	assert.Equal(t, "a much longer explanation", p.Explanation)
	assert.Equal(t, FromIncoming, plan.ExplanationFrom)
	assert.True(t, p.CreatedAt.Equal(t0.Add(-24*time.Hour)))
	assert.True(t, p.LastSeen.Equal(t0.Add(2*time.Hour)))
	require.NotNil(t, p.NextReview)
	assert.True(t, p.NextReview.Equal(t0.Add(2*time.Hour+7*24*time.Hour)))
	assert.Equal(t, []string{"a", "b"}, p.Tags)
	assert.Equal(t, "first\nsecond", p.Notes)
	require.NotEmpty(t, p.History)
	merged := p.History[len(p.History)-1]
	assert.Equal(t, model.ActionMerged, merged.Action)
	assert.Equal(t, "short", merged.Changes["explanation"])
	assert.Equal(t, []string{"b"}, merged.Changes["tags"])
	assert.Equal(t, "first", merged.Changes["notes"])
	assert.Equal(t, t0.Format(time.RFC3339Nano), merged.Changes["created_at"])
	require.NoError(t, p.Validate())

	// Inputs are untouched.
	assert.Equal(t, before, existing)
}

func TestMerge_ExplanationTieKeepsExisting(t *testing.T) {
	existing, incoming := mergeFixture()
	incoming.Explanation = "other"
	plan := Merge(existing, incoming, t0, 0)
	assert.Equal(t, "short", plan.Point.Explanation)
	assert.Equal(t, FromExisting, plan.ExplanationFrom)
}

func TestMerge_Deterministic(t *testing.T) {
	existing, incoming := mergeFixture()
	a := Merge(existing, incoming, t0, 0)
	b := Merge(existing, incoming, t0, 0)
	assert.Equal(t, a, b)
}

func TestMergeNotes(t *testing.T) {
	assert.Equal(t, "a", mergeNotes("a", ""))
	assert.Equal(t, "b", mergeNotes("", " b "))
	assert.Equal(t, "a", mergeNotes("a", "a"))
	assert.Equal(t, "a\nb", mergeNotes("a", "b"))
}

func TestImport(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, h *harness) {
		ctx := context.Background()
		_, err := h.m.RecordOutcome(ctx, "u1", graded("shared", model.Systematic), model.Incorrect)
		require.NoError(t, err)

		shared := graded("shared", model.Systematic).NewPoint(t0)
		shared.ID = 50
		shared.MistakeCount = 2
		shared.CorrectCount = 2

		fresh := graded("fresh", model.Isolated).NewPoint(t0)
		fresh.ID = 51
		fresh.MistakeCount = 1

		trashed := graded("trashed", model.Other).NewPoint(t0)
		trashed.MistakeCount = 1
		trashed.IsDeleted = true
		trashed.DeletedAt = model.TimePtr(t0)

		bad := graded("bad", model.Other).NewPoint(t0)
		bad.MasteryLevel = 3

		report, err := h.m.Import(ctx, []*model.KnowledgePoint{shared, fresh, trashed, bad, nil})
		require.NoError(t, err)
		assert.Equal(t, ImportReport{Created: 2, Merged: 1, Skipped: 1}, report)

		live, err := h.m.List(ctx)
		require.NoError(t, err)
		require.Len(t, live, 2)
		assert.Equal(t, 3, live[0].MistakeCount)
		assert.Equal(t, 2, live[0].CorrectCount)
		assert.InDelta(t, 0.4, live[0].MasteryLevel, 1e-9)

		trash, err := h.m.ListTrash(ctx)
		require.NoError(t, err)
		assert.Len(t, trash, 1)
	})
}
