// Package recommend turns the tracked knowledge points into templated study
// suggestions. It never mutates state.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/review"
)

const (
	// WeakThreshold is the mastery below which a point counts as weak.
	WeakThreshold = 0.3
	// FrequencyWindowDays bounds the mistakes considered for focus areas.
	FrequencyWindowDays = 14
	// MaxFocusAreas is how many categories are suggested.
	MaxFocusAreas = 3
	// MaxPriorityPoints is how many candidates are surfaced.
	MaxPriorityPoints = 5
)

// Source supplies the read models a recommendation is built from.
type Source interface {
	ListKnowledgePoints(ctx context.Context) ([]*model.KnowledgePoint, error)
	GetReviewCandidates(ctx context.Context, limit int) ([]review.Candidate, error)
	GetDailyQuotaStatus(ctx context.Context, userID string) (model.QuotaStatus, error)
}

// Result is a set of suggestions for one user.
type Result struct {
	Recommendations     []string                `json:"recommendations"`
	FocusAreas          []model.Category        `json:"focus_areas"`
	SuggestedDifficulty int                     `json:"suggested_difficulty"`
	NextReviewCount     int                     `json:"next_review_count"`
	PriorityPoints      []*model.KnowledgePoint `json:"priority_points"`
	WeakPoints          int                     `json:"weak_points"`
}

// Engine builds recommendations.
type Engine struct {
	src    Source
	clock  func() time.Time
	logger *zap.Logger
}

// New creates an engine. A nil clock uses time.Now.
func New(src Source, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{src: src, clock: clock, logger: zap.NewNop()}
}

// WithLogger sets the logger. A nil logger keeps the no-op one.
func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Recommend builds suggestions for userID.
func (e *Engine) Recommend(ctx context.Context, userID string) (Result, error) {
	points, err := e.src.ListKnowledgePoints(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("recommend: list points: %w", err)
	}
	candidates, err := e.src.GetReviewCandidates(ctx, 0)
	if err != nil {
		return Result{}, fmt.Errorf("recommend: review candidates: %w", err)
	}
	quota, err := e.src.GetDailyQuotaStatus(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("recommend: quota status: %w", err)
	}

	now := e.clock()
	res := Result{
		FocusAreas:      FocusAreas(points, now),
		NextReviewCount: len(candidates),
		PriorityPoints:  make([]*model.KnowledgePoint, 0, MaxPriorityPoints),
	}

	var sum float64
	for _, p := range points {
		sum += p.MasteryLevel
		if p.MasteryLevel < WeakThreshold {
			res.WeakPoints++
		}
	}
	avg := 0.0
	if len(points) > 0 {
		avg = sum / float64(len(points))
	}
	res.SuggestedDifficulty = SuggestDifficulty(avg)

	for i := 0; i < len(candidates) && i < MaxPriorityPoints; i++ {
		res.PriorityPoints = append(res.PriorityPoints, candidates[i].Point)
	}
	res.Recommendations = texts(res, quota)

	e.logger.Debug("recommendations built",
		zap.String("user_id", userID),
		zap.Int("weak_points", res.WeakPoints),
		zap.Int("due", res.NextReviewCount),
		zap.Int("difficulty", res.SuggestedDifficulty))
	return res, nil
}

// FocusAreas ranks categories by mistake count weighted by category
// importance over points seen in the last FrequencyWindowDays. Categories
// with no weight are omitted.
func FocusAreas(points []*model.KnowledgePoint, now time.Time) []model.Category {
	since := now.Add(-FrequencyWindowDays * review.Day)
	freq := make(map[model.Category]float64, len(model.Categories))
	for _, p := range points {
		if p.IsDeleted || p.LastSeen.Before(since) {
			continue
		}
		freq[p.Category] += float64(p.MistakeCount) * review.CategoryWeight(p.Category)
	}

	cats := make([]model.Category, 0, len(freq))
	for c, f := range freq {
		if f > 0 {
			cats = append(cats, c)
		}
	}
	sort.Slice(cats, func(i, j int) bool {
		a, b := cats[i], cats[j]
		if freq[a] != freq[b] {
			return freq[a] > freq[b]
		}
		if wa, wb := review.CategoryWeight(a), review.CategoryWeight(b); wa != wb {
			return wa > wb
		}
		return a < b
	})
	if len(cats) > MaxFocusAreas {
		cats = cats[:MaxFocusAreas]
	}
	return cats
}

// SuggestDifficulty maps average mastery to a difficulty in 1..5.
func SuggestDifficulty(avg float64) int {
	switch {
	case avg < 0.2:
		return 1
	case avg < 0.4:
		return 2
	case avg < 0.6:
		return 3
	case avg < 0.8:
		return 4
	default:
		return 5
	}
}

func texts(res Result, quota model.QuotaStatus) []string {
	var out []string
	if res.WeakPoints > 0 {
		out = append(out, fmt.Sprintf("You have %d %s with mastery below %d%%. Review them before moving on.",
			res.WeakPoints, plural(res.WeakPoints, "knowledge point", "knowledge points"), int(WeakThreshold*100)))
	}
	if len(res.FocusAreas) > 0 {
		names := make([]string, len(res.FocusAreas))
		for i, c := range res.FocusAreas {
			names[i] = c.String()
		}
		out = append(out, fmt.Sprintf("Focus on %s errors; they account for most of your recent mistakes.",
			strings.Join(names, ", ")))
	}
	if res.NextReviewCount > 0 {
		out = append(out, fmt.Sprintf("%d %s due for review.",
			res.NextReviewCount, plural(res.NextReviewCount, "point is", "points are")))
	}
	if quota.LimitEnabled && !quota.CanAddMore {
		out = append(out, fmt.Sprintf("Today's limit of %d new knowledge points is reached. New isolated and enhancement errors wait for your confirmation.",
			quota.DailyLimit))
	}
	if len(out) == 0 {
		out = append(out, "All caught up. Try a harder exercise to find new knowledge points.")
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
