package model

import "time"

// DateLayout is the calendar-date format of quota counters.
const DateLayout = "2006-01-02"

const (
	// DefaultDailyLimit is the per-user cap on new limited points per day.
	DefaultDailyLimit = 15

	// DefaultUserID is used when callers do not track users.
	DefaultUserID = "default"
)

// DateKey returns the calendar date of t in loc (UTC when nil).
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// DailyQuotaCounter counts limited-category creations per user and day.
type DailyQuotaCounter struct {
	Date             string `json:"date"`
	UserID           string `json:"user_id"`
	IsolatedCount    int    `json:"isolated_count"`
	EnhancementCount int    `json:"enhancement_count"`
}

// TotalLimited is the sum of the limited-category counts.
func (c DailyQuotaCounter) TotalLimited() int {
	return c.IsolatedCount + c.EnhancementCount
}

// Increment bumps the counter for cat. Unlimited categories are ignored.
func (c *DailyQuotaCounter) Increment(cat Category) {
	switch cat {
	case Isolated:
		c.IsolatedCount++
	case Enhancement:
		c.EnhancementCount++
	}
}

// UserSettings holds per-user quota configuration.
type UserSettings struct {
	UserID       string    `json:"user_id"`
	DailyLimit   int       `json:"daily_limit"`
	LimitEnabled bool      `json:"limit_enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Admits reports whether one more limited creation fits under the settings.
func (s UserSettings) Admits(c DailyQuotaCounter) bool {
	return !s.LimitEnabled || c.TotalLimited() < s.DailyLimit
}

// QuotaStatus is the caller-facing view of today's quota.
type QuotaStatus struct {
	Date         string           `json:"date"`
	UsedCount    int              `json:"used_count"`
	DailyLimit   int              `json:"daily_limit"`
	CanAddMore   bool             `json:"can_add_more"`
	LimitEnabled bool             `json:"limit_enabled"`
	Breakdown    map[Category]int `json:"breakdown"`
}

// NewQuotaStatus combines a counter and settings into a status view.
func NewQuotaStatus(c DailyQuotaCounter, s UserSettings) QuotaStatus {
	return QuotaStatus{
		Date:         c.Date,
		UsedCount:    c.TotalLimited(),
		DailyLimit:   s.DailyLimit,
		CanAddMore:   s.Admits(c),
		LimitEnabled: s.LimitEnabled,
		Breakdown: map[Category]int{
			Isolated:    c.IsolatedCount,
			Enhancement: c.EnhancementCount,
		},
	}
}

// AuditEntry records a point removed by the trash sweep.
type AuditEntry struct {
	ID            string    `json:"id"`
	PointID       int64     `json:"point_id"`
	Fingerprint   string    `json:"fingerprint"`
	KeyPoint      string    `json:"key_point"`
	Category      Category  `json:"category"`
	MistakeCount  int       `json:"mistake_count"`
	DeletedAt     time.Time `json:"deleted_at"`
	DeletedReason string    `json:"deleted_reason,omitempty"`
	PurgedAt      time.Time `json:"purged_at"`
}
