// Package store persists knowledge points, daily quota counters, user
// settings and the deletion audit log behind one Repository interface with a
// flat-file and a SQLite implementation.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/gorevise/pkg/model"
)

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Repository is the storage contract shared by both backends. Implementations
// must be safe for concurrent use and must make CreateAdmitted, PurgeTrash and
// Absorb atomic.
type Repository interface {
	// Backend returns the backend name used in logs and errors.
	Backend() string

	// Get returns a point by id, live or deleted. Unknown ids return ErrNotFound.
	Get(ctx context.Context, id int64) (*model.KnowledgePoint, error)

	// FindByFingerprint returns the live point with the fingerprint, or nil.
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.KnowledgePoint, error)

	// ListLive returns every live point ordered by id.
	ListLive(ctx context.Context) ([]*model.KnowledgePoint, error)

	// ListDeleted returns soft-deleted points, oldest deletion first.
	ListDeleted(ctx context.Context) ([]*model.KnowledgePoint, error)

	// Create stores a new point and assigns its id. A live fingerprint
	// collision returns ErrConflict and stores nothing.
	Create(ctx context.Context, p *model.KnowledgePoint) (*model.KnowledgePoint, error)

	// CreateAdmitted increments the user's daily counter for the point's
	// category and stores the point in one atomic step. When the limit is
	// reached nothing is written and Admitted is false.
	CreateAdmitted(ctx context.Context, p *model.KnowledgePoint, req AdmitRequest) (AdmitResult, error)

	// Update overwrites every mutable field of an existing point.
	Update(ctx context.Context, p *model.KnowledgePoint) error

	// Absorb writes survivor and removes the absorbed point in one step,
	// leaving an audit entry for the removed point.
	Absorb(ctx context.Context, survivor *model.KnowledgePoint, absorbedID int64, now time.Time) error

	// PurgeTrash hard-deletes eligible soft-deleted points and returns the
	// audit entries written for them.
	PurgeTrash(ctx context.Context, req PurgeRequest) ([]model.AuditEntry, error)

	// QuotaCounter returns the counter for a user and date (zero if absent).
	QuotaCounter(ctx context.Context, userID, date string) (model.DailyQuotaCounter, error)

	// UserSettings returns stored settings or defaults when none exist.
	UserSettings(ctx context.Context, userID string, defaults model.UserSettings) (model.UserSettings, error)

	// SaveUserSettings upserts a user's settings.
	SaveUserSettings(ctx context.Context, s model.UserSettings) error

	// ListAudit returns the newest audit entries first. limit <= 0 returns all.
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)

	// Close releases the backend's resources.
	Close() error
}

// AdmitRequest identifies the quota bucket a creation is charged to.
type AdmitRequest struct {
	UserID   string
	Date     string
	Defaults model.UserSettings
}

// AdmitResult reports the outcome of CreateAdmitted.
type AdmitResult struct {
	Admitted bool
	Point    *model.KnowledgePoint
	Counter  model.DailyQuotaCounter
	Settings model.UserSettings
}

// PurgeRequest bounds a trash sweep.
type PurgeRequest struct {
	// Cutoff: only points deleted strictly before it are eligible.
	Cutoff time.Time
	// MaxBatch caps deletions per call. <= 0 means no cap.
	MaxBatch int
	// HighValueFloor exempts points with at least this many mistakes. <= 0 disables.
	HighValueFloor int
	// Now stamps the audit entries.
	Now time.Time
}

// Eligible reports whether p may be purged under the request.
func (r PurgeRequest) Eligible(p *model.KnowledgePoint) bool {
	if !p.IsDeleted || p.DeletedAt == nil || !p.DeletedAt.Before(r.Cutoff) {
		return false
	}
	if r.HighValueFloor > 0 && p.MistakeCount >= r.HighValueFloor {
		return false
	}
	return true
}

// NewAuditEntry builds the audit record for a purged or absorbed point.
func NewAuditEntry(p *model.KnowledgePoint, reason string, now time.Time) model.AuditEntry {
	deletedAt := now.UTC()
	if p.DeletedAt != nil {
		deletedAt = p.DeletedAt.UTC()
	}
	if reason == "" {
		reason = p.DeletedReason
	}
	return model.AuditEntry{
		ID:            uuid.New().String(),
		PointID:       p.ID,
		Fingerprint:   p.Fingerprint,
		KeyPoint:      p.KeyPoint,
		Category:      p.Category,
		MistakeCount:  p.MistakeCount,
		DeletedAt:     deletedAt,
		DeletedReason: reason,
		PurgedAt:      now.UTC(),
	}
}

func sortByID(points []*model.KnowledgePoint) {
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
}

// sortByDeletion orders trash oldest deletion first, id breaking ties.
func sortByDeletion(points []*model.KnowledgePoint) {
	sort.Slice(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if a.DeletedAt != nil && b.DeletedAt != nil && !a.DeletedAt.Equal(*b.DeletedAt) {
			return a.DeletedAt.Before(*b.DeletedAt)
		}
		return a.ID < b.ID
	})
}

// validateAll surfaces the first stored point that breaks an invariant.
func validateAll(points []*model.KnowledgePoint) error {
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
