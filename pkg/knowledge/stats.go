package knowledge

import (
	"context"
	"math"
	"time"

	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/review"
)

// RecentWindowDays is the window RecentProgress covers.
const RecentWindowDays = 7

// MasteredThreshold is the mastery at which a point counts as mastered.
const MasteredThreshold = 0.9

// MasteryDistribution buckets live points by mastery.
type MasteryDistribution struct {
	Low    int `json:"low"`    // < 0.3
	Medium int `json:"medium"` // < 0.7
	High   int `json:"high"`   // >= 0.7
}

// RecentProgress summarises activity inside the recent window.
type RecentProgress struct {
	WindowDays       int `json:"window_days"`
	ActivePoints     int `json:"active_points"`
	MistakesRecorded int `json:"mistakes_recorded"`
	CorrectReviews   int `json:"correct_reviews"`
	IncorrectReviews int `json:"incorrect_reviews"`
	Mastered         int `json:"mastered"`
}

// Statistics is the aggregate view over live points.
type Statistics struct {
	Total          int                    `json:"total"`
	ByCategory     map[model.Category]int `json:"by_category"`
	Mastery        MasteryDistribution    `json:"mastery_distribution"`
	AverageMastery float64                `json:"average_mastery"`
	DueForReview   int                    `json:"due_for_review"`
	RecentProgress RecentProgress         `json:"recent_progress"`
}

// ComputeStatistics aggregates live points as of now. Deleted points are
// ignored, so the result is the same whichever backend supplied them.
func ComputeStatistics(points []*model.KnowledgePoint, now time.Time) Statistics {
	st := Statistics{
		ByCategory:     make(map[model.Category]int, len(model.Categories)),
		RecentProgress: RecentProgress{WindowDays: RecentWindowDays},
	}
	for _, c := range model.Categories {
		st.ByCategory[c] = 0
	}
	windowStart := now.Add(-RecentWindowDays * review.Day)

	var sum float64
	for _, p := range points {
		if p == nil || p.IsDeleted {
			continue
		}
		st.Total++
		st.ByCategory[p.Category]++
		sum += p.MasteryLevel

		switch {
		case p.MasteryLevel < 0.3:
			st.Mastery.Low++
		case p.MasteryLevel < 0.7:
			st.Mastery.Medium++
		default:
			st.Mastery.High++
		}
		if p.Due(now) {
			st.DueForReview++
		}
		if p.MasteryLevel >= MasteredThreshold {
			st.RecentProgress.Mastered++
		}
		if !p.LastSeen.Before(windowStart) {
			st.RecentProgress.ActivePoints++
		}
		for _, h := range p.History {
			if h.At.Before(windowStart) || h.At.After(now) {
				continue
			}
			switch h.Action {
			case model.ActionCreated, model.ActionMistake:
				st.RecentProgress.MistakesRecorded++
			case model.ActionReviewCorrect:
				st.RecentProgress.CorrectReviews++
			case model.ActionReviewIncorrect:
				st.RecentProgress.IncorrectReviews++
			}
		}
	}
	if st.Total > 0 {
		st.AverageMastery = math.Round(sum/float64(st.Total)*1e4) / 1e4
	}
	return st
}

// Statistics computes aggregates over the live points.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	points, err := m.repo.ListLive(ctx)
	if err != nil {
		return Statistics{}, err
	}
	return ComputeStatistics(points, m.now()), nil
}

// ReviewCandidates ranks the due live points. A limit <= 0 returns all.
func (m *Manager) ReviewCandidates(ctx context.Context, limit int) ([]review.Candidate, error) {
	points, err := m.repo.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	return review.Rank(points, m.now(), limit), nil
}
