package model

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func validPoint() *KnowledgePoint {
	return &KnowledgePoint{
		ID:           1,
		Fingerprint:  Fingerprint("k", "o", "c"),
		KeyPoint:     "k",
		Category:     Systematic,
		MasteryLevel: 0.25,
		MistakeCount: 1,
		CorrectCount: 1,
		CreatedAt:    t0,
		LastSeen:     t0,
		NextReview:   TimePtr(t0.Add(24 * time.Hour)),
	}
}

func TestKnowledgePoint_Validate(t *testing.T) {
	require.NoError(t, validPoint().Validate())

	tests := []struct {
		name   string
		mutate func(p *KnowledgePoint)
	}{
		{"mastery above one", func(p *KnowledgePoint) { p.MasteryLevel = 1.2 }},
		{"mastery negative", func(p *KnowledgePoint) { p.MasteryLevel = -0.1 }},
		{"mastery NaN", func(p *KnowledgePoint) { p.MasteryLevel = math.NaN() }},
		{"negative count", func(p *KnowledgePoint) { p.MistakeCount = -1 }},
		{"unpracticed with mastery", func(p *KnowledgePoint) { p.MistakeCount, p.CorrectCount = 0, 0 }},
		{"review before last seen", func(p *KnowledgePoint) { p.NextReview = TimePtr(t0.Add(-time.Hour)) }},
		{"empty fingerprint", func(p *KnowledgePoint) { p.Fingerprint = "" }},
		{"bad category", func(p *KnowledgePoint) { p.Category = 0 }},
		{"deleted without time", func(p *KnowledgePoint) { p.IsDeleted = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPoint()
			tt.mutate(p)
			err := p.Validate()
			if !errors.Is(err, ErrConsistency) {
				t.Errorf("expected ErrConsistency, got %v", err)
			}
		})
	}
}

func TestKnowledgePoint_AppendHistoryBounded(t *testing.T) {
	p := validPoint()
	for i := 0; i < 25; i++ {
		p.AppendHistory(t0.Add(time.Duration(i)*time.Minute), ActionMistake, map[string]any{"n": i}, 0)
	}
	require.Len(t, p.History, DefaultHistoryLimit)
	assert.Equal(t, 5, p.History[0].Changes["n"])
	assert.Equal(t, 24, p.History[len(p.History)-1].Changes["n"])

	p.AppendHistory(t0, ActionMerged, nil, 3)
	assert.Len(t, p.History, 3)
	assert.Equal(t, ActionMerged, p.History[2].Action)
}

func TestKnowledgePoint_BoundedLogs(t *testing.T) {
	p := validPoint()
	for i := 0; i < MaxOriginalErrors+5; i++ {
		p.AddOriginalError(OriginalError{Phrase: fmt.Sprint(i), At: t0})
		p.AddReviewExample(ReviewExample{Answer: fmt.Sprint(i), At: t0})
	}
	assert.Len(t, p.OriginalErrors, MaxOriginalErrors)
	assert.Equal(t, "5", p.OriginalErrors[0].Phrase)
	assert.Len(t, p.ReviewExamples, MaxReviewExamples)
}

func TestKnowledgePoint_CloneIsDeep(t *testing.T) {
	p := validPoint()
	p.Tags = []string{"a"}
	p.AppendHistory(t0, ActionCreated, map[string]any{"x": 1}, 0)

	c := p.Clone()
	c.Tags[0] = "b"
	*c.NextReview = t0.Add(99 * time.Hour)
	c.History[0].Changes["x"] = 2

	assert.Equal(t, "a", p.Tags[0])
	assert.Equal(t, t0.Add(24*time.Hour), *p.NextReview)
	assert.Equal(t, 1, p.History[0].Changes["x"])
}

func TestKnowledgePoint_Due(t *testing.T) {
	p := validPoint()
	assert.False(t, p.Due(t0))
	assert.True(t, p.Due(t0.Add(24*time.Hour)))

	p.NextReview = nil
	assert.True(t, p.Due(t0))

	p.IsDeleted = true
	assert.False(t, p.Due(t0))
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NormalizeTags([]string{" b", "a", "", "b"}))
	assert.Nil(t, NormalizeTags([]string{" "}))
}

func TestGradedError_Validate(t *testing.T) {
	g := GradedError{KeyPointSummary: "k", Category: Isolated, Severity: 2}
	require.NoError(t, g.Validate())

	g.KeyPointSummary = "  "
	assert.ErrorIs(t, g.Validate(), ErrValidation)

	g = GradedError{KeyPointSummary: "k", Category: 7}
	assert.ErrorIs(t, g.Validate(), ErrValidation)

	g = GradedError{KeyPointSummary: "k", Category: Other, Severity: 6}
	assert.ErrorIs(t, g.Validate(), ErrValidation)
}

func TestQuotaStatus(t *testing.T) {
	c := DailyQuotaCounter{Date: "2026-03-01", UserID: DefaultUserID}
	c.Increment(Isolated)
	c.Increment(Enhancement)
	c.Increment(Systematic)

	s := NewQuotaStatus(c, UserSettings{DailyLimit: 2, LimitEnabled: true})
	assert.Equal(t, 2, s.UsedCount)
	assert.False(t, s.CanAddMore)
	assert.Equal(t, 1, s.Breakdown[Isolated])

	s = NewQuotaStatus(c, UserSettings{DailyLimit: 2, LimitEnabled: false})
	assert.True(t, s.CanAddMore)
}

func TestDateKey(t *testing.T) {
	late := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01", DateKey(late, nil))
	tokyo := time.FixedZone("JST", 9*3600)
	assert.Equal(t, "2026-03-02", DateKey(late, tokyo))
}
