// Package mastery computes how a knowledge point's mastery level moves after
// a graded attempt.
package mastery

import (
	"fmt"
	"math"

	"github.com/dan-solli/gorevise/pkg/model"
)

// Increments applied on a correct outcome, per category.
var increments = map[model.Category]float64{
	model.Systematic:  0.25,
	model.Isolated:    0.20,
	model.Enhancement: 0.15,
	model.Other:       0.15,
}

// Decrements applied on an incorrect outcome. Enhancement points are never
// penalised.
var decrements = map[model.Category]float64{
	model.Systematic:  0.15,
	model.Isolated:    0.10,
	model.Enhancement: 0,
	model.Other:       0.10,
}

// Clamp restricts v to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Next returns the mastery level after one outcome. The current value is
// clamped before the step, so out-of-range input never propagates.
func Next(current float64, category model.Category, outcome model.Outcome) (float64, error) {
	if !category.IsValid() {
		return 0, fmt.Errorf("%w: invalid category %d", model.ErrValidation, int(category))
	}
	current = Clamp(current)

	switch outcome {
	case model.Correct:
		return round(math.Min(1, current+increments[category])), nil
	case model.Incorrect:
		return round(math.Max(0, current-decrements[category])), nil
	default:
		return 0, fmt.Errorf("%w: invalid outcome %d", model.ErrValidation, int(outcome))
	}
}

// Increment returns the per-category step for a correct outcome.
func Increment(category model.Category) float64 { return increments[category] }

// Decrement returns the per-category step for an incorrect outcome.
func Decrement(category model.Category) float64 { return decrements[category] }

// FromCounts derives mastery from accumulated counts. Used when two points
// are merged and their step histories can no longer be replayed.
func FromCounts(mistakes, corrects int) float64 {
	total := mistakes + corrects
	if total <= 0 || corrects <= 0 {
		return 0
	}
	return round(Clamp(float64(corrects) / float64(total)))
}

// round trims floating point noise from repeated steps (0.1+0.2 and friends)
// so band boundaries compare as expected.
func round(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
