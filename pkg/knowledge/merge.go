package knowledge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/mastery"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/review"
)

// Source names which side of a merge a value came from.
type Source string

const (
	FromExisting Source = "existing"
	FromIncoming Source = "incoming"
)

// MergePlan is the decided result of folding incoming into existing.
type MergePlan struct {
	// Point is the merged point. It keeps the existing point's id,
	// fingerprint, category and subtype.
	Point *model.KnowledgePoint

	// ExplanationFrom tells which explanation was kept.
	ExplanationFrom Source

	// AbsorbedID is the incoming point's id (0 when it was never stored).
	AbsorbedID int64
}

// Merge decides how two records of the same mistake combine. It is pure:
// neither argument is modified.
//
// Counts are summed and mastery is re-derived from them. The more detailed
// explanation wins, ties keeping the existing one. The earliest creation and
// latest sighting are kept, tags are unioned and notes concatenated.
func Merge(existing, incoming *model.KnowledgePoint, now time.Time, historyLimit int) MergePlan {
	out := existing.Clone()
	plan := MergePlan{Point: out, ExplanationFrom: FromExisting, AbsorbedID: incoming.ID}

	out.MistakeCount = existing.MistakeCount + incoming.MistakeCount
	out.CorrectCount = existing.CorrectCount + incoming.CorrectCount
	out.MasteryLevel = mastery.FromCounts(out.MistakeCount, out.CorrectCount)

	if len(strings.TrimSpace(incoming.Explanation)) > len(strings.TrimSpace(existing.Explanation)) {
		out.Explanation = incoming.Explanation
		plan.ExplanationFrom = FromIncoming
	}

	if incoming.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = incoming.CreatedAt
	}
	if incoming.LastSeen.After(out.LastSeen) {
		out.LastSeen = incoming.LastSeen
	}
	next := out.LastSeen.Add(review.Interval(out.MasteryLevel))
	out.NextReview = &next

	out.Tags = model.NormalizeTags(append(append([]string(nil), existing.Tags...), incoming.Tags...))
	out.Notes = mergeNotes(existing.Notes, incoming.Notes)

	out.OriginalErrors = nil
	errs := append(append([]model.OriginalError(nil), existing.OriginalErrors...), incoming.OriginalErrors...)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].At.Before(errs[j].At) })
	for _, e := range errs {
		out.AddOriginalError(e)
	}

	out.ReviewExamples = nil
	examples := append(append([]model.ReviewExample(nil), existing.ReviewExamples...), incoming.ReviewExamples...)
	sort.SliceStable(examples, func(i, j int) bool { return examples[i].At.Before(examples[j].At) })
	for _, e := range examples {
		out.AddReviewExample(e)
	}

	prior := snapshot(existing)
	prior["absorbed_id"] = incoming.ID
	prior["explanation_from"] = string(plan.ExplanationFrom)
	if out.Explanation != existing.Explanation {
		prior["explanation"] = existing.Explanation
	}
	if !out.CreatedAt.Equal(existing.CreatedAt) {
		prior["created_at"] = existing.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !slices.Equal(out.Tags, existing.Tags) {
		prior["tags"] = append([]string{}, existing.Tags...)
	}
	if out.Notes != existing.Notes {
		prior["notes"] = existing.Notes
	}
	out.AppendHistory(now.UTC(), model.ActionMerged, prior, historyLimit)

	out.IsDeleted = existing.IsDeleted
	out.DeletedAt = existing.DeletedAt
	out.DeletedReason = existing.DeletedReason
	return plan
}

func mergeNotes(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	return a + "\n" + b
}

// ImportReport summarises an Import call.
type ImportReport struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
}

// Import loads points from another store, for example when moving between
// backends. Incoming ids are ignored. A live point whose fingerprint already
// exists is merged into it; trashed points are imported as trash. Imports
// bypass the daily quota.
func (m *Manager) Import(ctx context.Context, points []*model.KnowledgePoint) (ImportReport, error) {
	var report ImportReport
	for _, in := range points {
		if in == nil {
			continue
		}
		if err := in.Validate(); err != nil {
			m.logger.Warn("skipping invalid import", zap.Int64("source_id", in.ID), zap.Error(err))
			report.Skipped++
			continue
		}
		merged, err := m.importOne(ctx, in)
		if err != nil {
			return report, fmt.Errorf("import point %d: %w", in.ID, err)
		}
		if merged {
			report.Merged++
		} else {
			report.Created++
		}
	}
	m.logger.Info("import finished",
		zap.Int("created", report.Created),
		zap.Int("merged", report.Merged),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (m *Manager) importOne(ctx context.Context, in *model.KnowledgePoint) (bool, error) {
	unlock := m.locks.Lock(in.Fingerprint)
	defer unlock()

	incoming := in.Clone()
	incoming.ID = 0

	if !incoming.IsDeleted {
		existing, err := m.repo.FindByFingerprint(ctx, incoming.Fingerprint)
		if err != nil {
			return false, err
		}
		if existing != nil {
			plan := Merge(existing, incoming, m.now(), m.opts.HistoryLimit)
			return true, m.repo.Update(ctx, plan.Point)
		}
	}
	_, err := m.repo.Create(ctx, incoming)
	if errors.Is(err, model.ErrConflict) {
		return false, fmt.Errorf("%w: fingerprint appeared during import", err)
	}
	return false, err
}
