// Package review schedules knowledge points for review and ranks the points
// that are due.
package review

import (
	"fmt"
	"time"

	"github.com/dan-solli/gorevise/pkg/mastery"
	"github.com/dan-solli/gorevise/pkg/model"
)

// Day is the scheduling unit.
const Day = 24 * time.Hour

// Band names a mastery interval band.
type Band string

const (
	BandImmediate Band = "immediate"
	BandShort     Band = "short"
	BandMedium    Band = "medium"
	BandLong      Band = "long"
	BandMastered  Band = "mastered"
)

// bands are checked in order; a mastery below Below lands in the band.
var bands = []struct {
	Below    float64
	Band     Band
	Interval time.Duration
}{
	{0.3, BandImmediate, 1 * Day},
	{0.5, BandShort, 3 * Day},
	{0.7, BandMedium, 7 * Day},
	{0.9, BandLong, 14 * Day},
}

const masteredInterval = 30 * Day

// BandOf returns the band a mastery level falls in.
func BandOf(m float64) Band {
	m = mastery.Clamp(m)
	for _, b := range bands {
		if m < b.Below {
			return b.Band
		}
	}
	return BandMastered
}

// Interval returns the wait before the next review at mastery m.
func Interval(m float64) time.Duration {
	m = mastery.Clamp(m)
	for _, b := range bands {
		if m < b.Below {
			return b.Interval
		}
	}
	return masteredInterval
}

// NextReview returns when a point at mastery m should next be reviewed.
// The category does not change the interval; it is validated so callers get
// the same error contract as the mastery calculator.
func NextReview(m float64, category model.Category, now time.Time) (time.Time, error) {
	if !category.IsValid() {
		return time.Time{}, fmt.Errorf("%w: invalid category %d", model.ErrValidation, int(category))
	}
	return now.UTC().Add(Interval(m)), nil
}
