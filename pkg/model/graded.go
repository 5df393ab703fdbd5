package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxSeverity is the highest severity the grading service reports.
const MaxSeverity = 5

// GradedError is the record produced by the external grading service.
type GradedError struct {
	KeyPointSummary string   `json:"key_point_summary"`
	Category        Category `json:"category"`
	Subtype         string   `json:"subtype,omitempty"`
	Explanation     string   `json:"explanation,omitempty"`
	OriginalPhrase  string   `json:"original_phrase"`
	Correction      string   `json:"correction"`
	Severity        int      `json:"severity"`
}

// Validate rejects records the store cannot track.
func (g GradedError) Validate() error {
	if strings.TrimSpace(g.KeyPointSummary) == "" {
		return fmt.Errorf("%w: key point summary cannot be empty", ErrValidation)
	}
	if !g.Category.IsValid() {
		return fmt.Errorf("%w: invalid category %d", ErrValidation, int(g.Category))
	}
	if g.Severity < 0 || g.Severity > MaxSeverity {
		return fmt.Errorf("%w: severity must be between 0 and %d, got %d", ErrValidation, MaxSeverity, g.Severity)
	}
	return nil
}

// Fingerprint returns the deduplication identity of the record.
func (g GradedError) Fingerprint() string {
	return Fingerprint(g.KeyPointSummary, g.OriginalPhrase, g.Correction)
}

// NewPoint builds an unsaved, unpracticed point from the record.
func (g GradedError) NewPoint(now time.Time) *KnowledgePoint {
	now = now.UTC()
	return &KnowledgePoint{
		Fingerprint:    g.Fingerprint(),
		KeyPoint:       strings.TrimSpace(g.KeyPointSummary),
		OriginalPhrase: strings.TrimSpace(g.OriginalPhrase),
		Correction:     strings.TrimSpace(g.Correction),
		Category:       g.Category,
		Subtype:        strings.TrimSpace(g.Subtype),
		Explanation:    strings.TrimSpace(g.Explanation),
		CreatedAt:      now,
		LastSeen:       now,
	}
}
