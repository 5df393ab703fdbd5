package mastery

import (
	"errors"
	"math"
	"testing"

	"github.com/dan-solli/gorevise/pkg/model"
)

const tolerance = 1e-9

func assertFloat(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > tolerance {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestNext_Table(t *testing.T) {
	tests := []struct {
		name     string
		current  float64
		category model.Category
		outcome  model.Outcome
		want     float64
	}{
		{"systematic correct", 0.5, model.Systematic, model.Correct, 0.75},
		{"isolated correct", 0.5, model.Isolated, model.Correct, 0.70},
		{"enhancement correct", 0.5, model.Enhancement, model.Correct, 0.65},
		{"other correct", 0.5, model.Other, model.Correct, 0.65},
		{"systematic incorrect", 0.5, model.Systematic, model.Incorrect, 0.35},
		{"isolated incorrect", 0.5, model.Isolated, model.Incorrect, 0.40},
		{"enhancement incorrect unchanged", 0.5, model.Enhancement, model.Incorrect, 0.5},
		{"other incorrect", 0.5, model.Other, model.Incorrect, 0.40},
		{"clamp high", 0.9, model.Systematic, model.Correct, 1.0},
		{"clamp low", 0.05, model.Systematic, model.Incorrect, 0},
		{"absent mastery", 0, model.Isolated, model.Correct, 0.2},
		{"out of range input", 1.7, model.Other, model.Incorrect, 0.9},
		{"negative input", -3, model.Other, model.Correct, 0.15},
		{"NaN input", math.NaN(), model.Systematic, model.Correct, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.current, tt.category, tt.outcome)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			assertFloat(t, "Next", got, tt.want)
		})
	}
}

func TestNext_AlwaysInRange(t *testing.T) {
	for _, c := range model.Categories {
		for _, o := range []model.Outcome{model.Correct, model.Incorrect} {
			for v := -0.5; v <= 1.5; v += 0.05 {
				got, err := Next(v, c, o)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got < 0 || got > 1 {
					t.Errorf("Next(%v, %v, %v) = %v out of range", v, c, o, got)
				}
			}
		}
	}
}

func TestNext_Deterministic(t *testing.T) {
	a, _ := Next(0.33, model.Isolated, model.Correct)
	b, _ := Next(0.33, model.Isolated, model.Correct)
	if a != b {
		t.Errorf("expected identical results, got %v and %v", a, b)
	}
}

func TestNext_RepeatedStepsHitBoundaries(t *testing.T) {
	v := 0.0
	for i := 0; i < 3; i++ {
		v, _ = Next(v, model.Isolated, model.Correct)
	}
	if v != 0.6 {
		t.Errorf("expected exactly 0.6 after three isolated steps, got %v", v)
	}
}

func TestNext_InvalidInput(t *testing.T) {
	if _, err := Next(0.5, model.Category(0), model.Correct); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for category, got %v", err)
	}
	if _, err := Next(0.5, model.Other, model.Outcome(9)); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for outcome, got %v", err)
	}
}

func TestFromCounts(t *testing.T) {
	assertFloat(t, "zero", FromCounts(0, 0), 0)
	assertFloat(t, "only mistakes", FromCounts(3, 0), 0)
	assertFloat(t, "half", FromCounts(2, 2), 0.5)
	assertFloat(t, "all correct", FromCounts(0, 4), 1)
}
