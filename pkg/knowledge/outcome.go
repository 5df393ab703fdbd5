package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/mastery"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/review"
	"github.com/dan-solli/gorevise/pkg/store"
)

// Status describes what RecordOutcome did.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusMerged  Status = "merged"
	StatusPending Status = "pending"
)

// Pending is a creation the daily quota refused. Nothing was stored and no
// quota was consumed; pass it to ConfirmPending to retry.
type Pending struct {
	UserID string            `json:"user_id"`
	Error  model.GradedError `json:"error"`
	Reason error             `json:"-"`
	Quota  model.QuotaStatus `json:"quota"`
}

// Result reports the outcome of RecordOutcome.
type Result struct {
	Status  Status                `json:"status"`
	Point   *model.KnowledgePoint `json:"point,omitempty"`
	Pending *Pending              `json:"pending,omitempty"`
}

// Created reports whether a new point was stored.
func (r Result) Created() bool { return r.Status == StatusCreated }

// RecordOutcome folds one graded attempt into the store. An incorrect
// outcome for an unknown mistake creates a point, subject to the daily quota
// for isolated and enhancement categories; a refusal is returned as a
// pending result with a nil error. A correct outcome for an unknown mistake
// returns ErrNotFound.
func (m *Manager) RecordOutcome(ctx context.Context, userID string, g model.GradedError, outcome model.Outcome) (Result, error) {
	if err := g.Validate(); err != nil {
		return Result{}, err
	}
	if !outcome.IsValid() {
		return Result{}, fmt.Errorf("%w: invalid outcome %d", model.ErrValidation, int(outcome))
	}
	userID = userOrDefault(userID)
	fp := g.Fingerprint()

	unlock := m.locks.Lock(fp)
	defer unlock()

	existing, err := m.repo.FindByFingerprint(ctx, fp)
	if err != nil {
		return Result{}, err
	}
	now := m.now()

	if existing != nil {
		p, err := m.applyGraded(ctx, existing, g, outcome, now)
		if err != nil {
			return Result{}, err
		}
		m.logger.Debug("knowledge point updated",
			zap.Int64("id", p.ID),
			zap.String("outcome", outcome.String()),
			zap.Float64("mastery", p.MasteryLevel))
		return Result{Status: StatusUpdated, Point: p}, nil
	}

	if outcome == model.Correct {
		return Result{}, fmt.Errorf("%w: no point for fingerprint %s", model.ErrNotFound, fp[:12])
	}

	p, err := m.newPoint(g, now)
	if err != nil {
		return Result{}, err
	}
	return m.create(ctx, userID, g, p, now)
}

// ConfirmPending retries a creation the quota refused earlier, typically
// after the limit was raised or the day rolled over.
func (m *Manager) ConfirmPending(ctx context.Context, pending Pending) (Result, error) {
	return m.RecordOutcome(ctx, pending.UserID, pending.Error, model.Incorrect)
}

func (m *Manager) newPoint(g model.GradedError, now time.Time) (*model.KnowledgePoint, error) {
	p := g.NewPoint(now)
	level, err := mastery.Next(0, p.Category, model.Incorrect)
	if err != nil {
		return nil, err
	}
	next, err := review.NextReview(level, p.Category, now)
	if err != nil {
		return nil, err
	}
	p.MasteryLevel = level
	p.MistakeCount = 1
	p.NextReview = &next
	p.AddOriginalError(model.OriginalError{
		Phrase:     p.OriginalPhrase,
		Correction: p.Correction,
		Severity:   g.Severity,
		At:         now,
	})
	p.AppendHistory(now, model.ActionCreated, nil, m.opts.HistoryLimit)
	return p, nil
}

func (m *Manager) create(ctx context.Context, userID string, g model.GradedError, p *model.KnowledgePoint, now time.Time) (Result, error) {
	var (
		created *model.KnowledgePoint
		err     error
	)
	if p.Category.Limited() {
		var res store.AdmitResult
		res, err = m.repo.CreateAdmitted(ctx, p, store.AdmitRequest{
			UserID:   userID,
			Date:     model.DateKey(now, m.opts.Location),
			Defaults: m.defaultSettings(),
		})
		if err == nil && !res.Admitted {
			m.logger.Info("knowledge point deferred by daily quota",
				zap.String("user_id", userID),
				zap.String("category", p.Category.String()),
				zap.Int("used", res.Counter.TotalLimited()),
				zap.Int("limit", res.Settings.DailyLimit))
			return Result{
				Status: StatusPending,
				Pending: &Pending{
					UserID: userID,
					Error:  g,
					Reason: model.ErrQuotaExceeded,
					Quota:  model.NewQuotaStatus(res.Counter, res.Settings),
				},
			}, nil
		}
		created = res.Point
	} else {
		created, err = m.repo.Create(ctx, p)
	}

	if errors.Is(err, model.ErrConflict) {
		// Another process created the same mistake first; fold into it.
		existing, ferr := m.repo.FindByFingerprint(ctx, p.Fingerprint)
		if ferr != nil {
			return Result{}, ferr
		}
		if existing == nil {
			return Result{}, err
		}
		merged, uerr := m.applyGraded(ctx, existing, g, model.Incorrect, now)
		if uerr != nil {
			return Result{}, uerr
		}
		m.logger.Info("concurrent creation merged into existing point", zap.Int64("id", merged.ID))
		return Result{Status: StatusMerged, Point: merged}, nil
	}
	if err != nil {
		return Result{}, err
	}

	m.logger.Info("knowledge point created",
		zap.Int64("id", created.ID),
		zap.String("category", created.Category.String()))
	return Result{Status: StatusCreated, Point: created}, nil
}

// applyGraded applies an outcome carried by a graded-error record.
func (m *Manager) applyGraded(ctx context.Context, p *model.KnowledgePoint, g model.GradedError, outcome model.Outcome, now time.Time) (*model.KnowledgePoint, error) {
	action := model.ActionReviewCorrect
	if outcome == model.Incorrect {
		action = model.ActionMistake
	}
	explain := func(p *model.KnowledgePoint, prior map[string]any) {
		if e := strings.TrimSpace(g.Explanation); len(e) > len(p.Explanation) {
			prior["explanation"] = p.Explanation
			p.Explanation = e
		}
	}
	if err := m.applyOutcome(p, outcome, action, now, explain); err != nil {
		return nil, err
	}
	if outcome == model.Incorrect {
		p.AddOriginalError(model.OriginalError{
			Phrase:     strings.TrimSpace(g.OriginalPhrase),
			Correction: strings.TrimSpace(g.Correction),
			Severity:   g.Severity,
			At:         now,
		})
	}
	if err := m.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// applyOutcome mutates mastery, counters and the schedule in place and
// records the prior values in history. Each edit may change further fields
// and must store their prior values in the map it is given, so the action
// stays a single history entry.
func (m *Manager) applyOutcome(p *model.KnowledgePoint, outcome model.Outcome, action string, now time.Time, edits ...func(*model.KnowledgePoint, map[string]any)) error {
	level, err := mastery.Next(p.MasteryLevel, p.Category, outcome)
	if err != nil {
		return err
	}
	if now.Before(p.LastSeen) {
		now = p.LastSeen
	}
	next, err := review.NextReview(level, p.Category, now)
	if err != nil {
		return err
	}

	prior := snapshot(p)
	p.MasteryLevel = level
	if outcome == model.Correct {
		p.CorrectCount++
	} else {
		p.MistakeCount++
	}
	p.LastSeen = now
	p.NextReview = &next
	for _, edit := range edits {
		edit(p, prior)
	}
	p.AppendHistory(now, action, prior, m.opts.HistoryLimit)
	return nil
}

// snapshot captures the fields an outcome changes. Times are kept as
// RFC 3339 strings so history reads the same from either backend.
func snapshot(p *model.KnowledgePoint) map[string]any {
	s := map[string]any{
		"mastery_level": p.MasteryLevel,
		"mistake_count": p.MistakeCount,
		"correct_count": p.CorrectCount,
		"last_seen":     p.LastSeen.UTC().Format(time.RFC3339Nano),
	}
	if p.NextReview != nil {
		s["next_review"] = p.NextReview.UTC().Format(time.RFC3339Nano)
	}
	return s
}

// RecordReview applies a review attempt to a live point by id.
func (m *Manager) RecordReview(ctx context.Context, id int64, correct bool, answer string) (*model.KnowledgePoint, error) {
	p, unlock, err := m.lockPoint(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if p.IsDeleted {
		return nil, fmt.Errorf("%w: id %d is in trash", model.ErrNotFound, id)
	}

	now := m.now()
	outcome := model.OutcomeOf(correct)
	action := model.ActionReviewIncorrect
	if correct {
		action = model.ActionReviewCorrect
	}
	if err := m.applyOutcome(p, outcome, action, now); err != nil {
		return nil, err
	}
	p.AddReviewExample(model.ReviewExample{Answer: strings.TrimSpace(answer), Correct: correct, At: p.LastSeen})
	if err := m.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Debug("review recorded",
		zap.Int64("id", p.ID),
		zap.Bool("correct", correct),
		zap.Float64("mastery", p.MasteryLevel))
	return p, nil
}
