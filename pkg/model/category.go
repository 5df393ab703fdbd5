package model

import (
	"encoding"
	"encoding/json"
	"fmt"
)

// Category classifies the kind of mistake a knowledge point tracks.
type Category int

const (
	Systematic  Category = iota + 1 // Rule-level misunderstanding that recurs.
	Isolated                        // One-off slip.
	Enhancement                     // Correct but improvable usage.
	Other
)

var (
	categoryNames = [...]string{
		Systematic:  "systematic",
		Isolated:    "isolated",
		Enhancement: "enhancement",
		Other:       "other",
	}
	categoryByName = map[string]Category{
		"systematic":  Systematic,
		"isolated":    Isolated,
		"enhancement": Enhancement,
		"other":       Other,
	}
)

// Categories lists every valid category in declaration order.
var Categories = []Category{Systematic, Isolated, Enhancement, Other}

var (
	_ fmt.Stringer             = Category(0)
	_ json.Marshaler           = Category(0)
	_ json.Unmarshaler         = (*Category)(nil)
	_ encoding.TextMarshaler   = Category(0)
	_ encoding.TextUnmarshaler = (*Category)(nil)
)

// String returns the lower-case name of the category.
// For invalid values it returns "Category(n)".
func (c Category) String() string {
	if c.IsValid() {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// IsValid reports whether c is one of the four known categories.
func (c Category) IsValid() bool {
	return c >= Systematic && c <= Other
}

// Limited reports whether new points of this category count against the
// daily quota.
func (c Category) Limited() bool {
	return c == Isolated || c == Enhancement
}

// ParseCategory converts a category name into a Category.
func ParseCategory(s string) (Category, error) {
	c, ok := categoryByName[s]
	if !ok {
		return 0, fmt.Errorf("%w: unknown category %q", ErrValidation, s)
	}
	return c, nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("%w: category %d", ErrValidation, int(c))
	}
	return []byte(categoryNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(text []byte) error {
	v, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MarshalJSON implements json.Marshaler. Category serializes as a JSON string.
func (c Category) MarshalJSON() ([]byte, error) {
	text, err := c.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: category %s", ErrValidation, data)
	}
	return c.UnmarshalText([]byte(s))
}

// Outcome is the result of one graded attempt.
type Outcome int

const (
	Incorrect Outcome = iota + 1
	Correct
)

var outcomeNames = [...]string{Incorrect: "incorrect", Correct: "correct"}

// String returns "incorrect" or "correct".
func (o Outcome) String() string {
	if o.IsValid() {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// IsValid reports whether o is Incorrect or Correct.
func (o Outcome) IsValid() bool {
	return o == Incorrect || o == Correct
}

// OutcomeOf maps a boolean grading result to an Outcome.
func OutcomeOf(correct bool) Outcome {
	if correct {
		return Correct
	}
	return Incorrect
}
