package review

import (
	"math"
	"sort"
	"time"

	"github.com/dan-solli/gorevise/pkg/mastery"
	"github.com/dan-solli/gorevise/pkg/model"
)

// Score weights.
const (
	categoryFactor = 0.40
	overdueFactor  = 0.35
	masteryFactor  = 0.25

	// overdueScaleDays controls how quickly overdue pressure saturates.
	overdueScaleDays = 7.0
)

var categoryWeights = map[model.Category]float64{
	model.Systematic:  1.0,
	model.Isolated:    0.8,
	model.Enhancement: 0.5,
	model.Other:       0.3,
}

// CategoryWeight returns the importance weight of a category (0 when invalid).
func CategoryWeight(c model.Category) float64 {
	return categoryWeights[c]
}

// Candidate is a point projected for a review session. Never persisted.
type Candidate struct {
	Point         *model.KnowledgePoint `json:"point"`
	PriorityScore float64               `json:"priority_score"`
	PriorityLevel int                   `json:"priority_level"`
	DaysOverdue   float64               `json:"days_overdue"`
}

// DaysOverdue returns how many days past its scheduled review p is at now.
// Points never scheduled or not yet due are 0 days overdue.
func DaysOverdue(p *model.KnowledgePoint, now time.Time) float64 {
	if p.NextReview == nil {
		return 0
	}
	d := now.Sub(*p.NextReview)
	if d <= 0 {
		return 0
	}
	return d.Hours() / 24
}

// Score combines category weight, overdue pressure and lack of mastery into
// a value in [0,1].
func Score(p *model.KnowledgePoint, now time.Time) float64 {
	overdue := 1 - math.Exp(-DaysOverdue(p, now)/overdueScaleDays)
	s := categoryFactor*CategoryWeight(p.Category) +
		overdueFactor*overdue +
		masteryFactor*(1-mastery.Clamp(p.MasteryLevel))
	return math.Round(s*1e9) / 1e9
}

// Level maps a score onto priority levels 1 (most urgent) to 4.
func Level(score float64) int {
	switch {
	case score >= 0.70:
		return 1
	case score >= 0.50:
		return 2
	case score >= 0.30:
		return 3
	default:
		return 4
	}
}

// Priority returns the priority level and score of p at now.
func Priority(p *model.KnowledgePoint, now time.Time) (int, float64) {
	s := Score(p, now)
	return Level(s), s
}

// Rank returns the due, live points ordered by descending priority. Ties are
// broken by category weight, then by the oldest last-seen time, then by id,
// so the order is total. A limit <= 0 returns every due point.
func Rank(points []*model.KnowledgePoint, now time.Time, limit int) []Candidate {
	out := make([]Candidate, 0, len(points))
	for _, p := range points {
		if p == nil || !p.Due(now) {
			continue
		}
		level, score := Priority(p, now)
		out = append(out, Candidate{
			Point:         p,
			PriorityScore: score,
			PriorityLevel: level,
			DaysOverdue:   DaysOverdue(p, now),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		wa, wb := CategoryWeight(a.Point.Category), CategoryWeight(b.Point.Category)
		if wa != wb {
			return wa > wb
		}
		if !a.Point.LastSeen.Equal(b.Point.LastSeen) {
			return a.Point.LastSeen.Before(b.Point.LastSeen)
		}
		return a.Point.ID < b.Point.ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountDue returns how many live points are due at now.
func CountDue(points []*model.KnowledgePoint, now time.Time) int {
	n := 0
	for _, p := range points {
		if p != nil && p.Due(now) {
			n++
		}
	}
	return n
}
