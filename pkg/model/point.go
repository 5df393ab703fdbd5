// Package model holds the knowledge-point data model shared by every
// component: categories, points, quota counters, audit records and the
// error taxonomy.
package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// History actions.
const (
	ActionCreated         = "created"
	ActionMistake         = "mistake"
	ActionReviewCorrect   = "review_correct"
	ActionReviewIncorrect = "review_incorrect"
	ActionMerged          = "merged"
	ActionSoftDeleted     = "soft_deleted"
	ActionRestored        = "restored"
	ActionNotesUpdated    = "notes_updated"
	ActionTagsUpdated     = "tags_updated"
)

const (
	// DefaultHistoryLimit is how many history entries a point keeps.
	DefaultHistoryLimit = 20

	// MaxOriginalErrors bounds the occurrence log of a point.
	MaxOriginalErrors = 50

	// MaxReviewExamples bounds the review attempt log of a point.
	MaxReviewExamples = 50
)

// OriginalError is one graded-error occurrence folded into a point.
type OriginalError struct {
	Phrase     string    `json:"phrase"`
	Correction string    `json:"correction"`
	Severity   int       `json:"severity"`
	At         time.Time `json:"at"`
}

// ReviewExample is one review attempt made against a point.
type ReviewExample struct {
	Answer  string    `json:"answer,omitempty"`
	Correct bool      `json:"correct"`
	At      time.Time `json:"at"`
}

// HistoryEntry snapshots the prior values of the fields an action changed.
type HistoryEntry struct {
	At      time.Time      `json:"at"`
	Action  string         `json:"action"`
	Changes map[string]any `json:"changes,omitempty"`
}

// KnowledgePoint is one tracked, deduplicated learning item.
type KnowledgePoint struct {
	ID             int64      `json:"id"`
	Fingerprint    string     `json:"fingerprint"`
	KeyPoint       string     `json:"key_point"`
	OriginalPhrase string     `json:"original_phrase"`
	Correction     string     `json:"correction"`
	Category       Category   `json:"category"`
	Subtype        string     `json:"subtype,omitempty"`
	Explanation    string     `json:"explanation,omitempty"`
	MasteryLevel   float64    `json:"mastery_level"`
	MistakeCount   int        `json:"mistake_count"`
	CorrectCount   int        `json:"correct_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastSeen       time.Time  `json:"last_seen"`
	NextReview     *time.Time `json:"next_review"`
	IsDeleted      bool       `json:"is_deleted"`
	DeletedAt      *time.Time `json:"deleted_at"`
	DeletedReason  string     `json:"deleted_reason,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Notes          string     `json:"notes,omitempty"`

	OriginalErrors []OriginalError `json:"original_errors,omitempty"`
	ReviewExamples []ReviewExample `json:"review_examples,omitempty"`
	History        []HistoryEntry  `json:"history,omitempty"`
}

// Practiced reports whether the point has ever been graded.
func (p *KnowledgePoint) Practiced() bool {
	return p.MistakeCount+p.CorrectCount > 0
}

// Due reports whether a live point is due for review at now. A point with no
// scheduled review is due immediately.
func (p *KnowledgePoint) Due(now time.Time) bool {
	if p.IsDeleted {
		return false
	}
	return p.NextReview == nil || !p.NextReview.After(now)
}

// Validate checks the stored invariants of a point. It never repairs.
func (p *KnowledgePoint) Validate() error {
	if p.Fingerprint == "" {
		return fmt.Errorf("%w: point %d has empty fingerprint", ErrConsistency, p.ID)
	}
	if !p.Category.IsValid() {
		return fmt.Errorf("%w: point %d has invalid category %d", ErrConsistency, p.ID, int(p.Category))
	}
	if math.IsNaN(p.MasteryLevel) || p.MasteryLevel < 0 || p.MasteryLevel > 1 {
		return fmt.Errorf("%w: point %d mastery %v outside [0,1]", ErrConsistency, p.ID, p.MasteryLevel)
	}
	if p.MistakeCount < 0 || p.CorrectCount < 0 {
		return fmt.Errorf("%w: point %d has negative counts", ErrConsistency, p.ID)
	}
	if !p.Practiced() && p.MasteryLevel != 0 {
		return fmt.Errorf("%w: unpracticed point %d has mastery %v", ErrConsistency, p.ID, p.MasteryLevel)
	}
	if p.NextReview != nil && p.NextReview.Before(p.LastSeen) {
		return fmt.Errorf("%w: point %d next review precedes last seen", ErrConsistency, p.ID)
	}
	if p.IsDeleted && p.DeletedAt == nil {
		return fmt.Errorf("%w: deleted point %d has no deletion time", ErrConsistency, p.ID)
	}
	return nil
}

// AppendHistory records an action and trims the log to the most recent limit
// entries. A limit <= 0 uses DefaultHistoryLimit.
func (p *KnowledgePoint) AppendHistory(at time.Time, action string, changes map[string]any, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	p.History = append(p.History, HistoryEntry{At: at, Action: action, Changes: changes})
	if over := len(p.History) - limit; over > 0 {
		p.History = append([]HistoryEntry(nil), p.History[over:]...)
	}
}

// AddOriginalError appends an occurrence, keeping the most recent MaxOriginalErrors.
func (p *KnowledgePoint) AddOriginalError(e OriginalError) {
	p.OriginalErrors = append(p.OriginalErrors, e)
	if over := len(p.OriginalErrors) - MaxOriginalErrors; over > 0 {
		p.OriginalErrors = append([]OriginalError(nil), p.OriginalErrors[over:]...)
	}
}

// AddReviewExample appends a review attempt, keeping the most recent MaxReviewExamples.
func (p *KnowledgePoint) AddReviewExample(e ReviewExample) {
	p.ReviewExamples = append(p.ReviewExamples, e)
	if over := len(p.ReviewExamples) - MaxReviewExamples; over > 0 {
		p.ReviewExamples = append([]ReviewExample(nil), p.ReviewExamples[over:]...)
	}
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (p *KnowledgePoint) Clone() *KnowledgePoint {
	if p == nil {
		return nil
	}
	c := *p
	c.NextReview = cloneTime(p.NextReview)
	c.DeletedAt = cloneTime(p.DeletedAt)
	c.Tags = append([]string(nil), p.Tags...)
	c.OriginalErrors = append([]OriginalError(nil), p.OriginalErrors...)
	c.ReviewExamples = append([]ReviewExample(nil), p.ReviewExamples...)
	if p.History != nil {
		c.History = make([]HistoryEntry, len(p.History))
		for i, h := range p.History {
			c.History[i] = HistoryEntry{At: h.At, Action: h.Action}
			if h.Changes != nil {
				c.History[i].Changes = make(map[string]any, len(h.Changes))
				for k, v := range h.Changes {
					c.History[i].Changes[k] = v
				}
			}
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizeTags trims, drops empties, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
