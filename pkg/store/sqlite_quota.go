package store

import (
	"context"
	"fmt"

	"github.com/dan-solli/gorevise/pkg/model"
)

func (s *SQLiteRepository) quotaCounter(ctx context.Context, q querier, userID, date string) (model.DailyQuotaCounter, error) {
	c := model.DailyQuotaCounter{Date: date, UserID: userID}
	err := q.QueryRowContext(ctx,
		"SELECT isolated_count, enhancement_count FROM daily_knowledge_stats WHERE date = ? AND user_id = ?",
		date, userID).Scan(&c.IsolatedCount, &c.EnhancementCount)
	if err != nil && !isNoRows(err) {
		return c, backendErr("quota_counter", 0, err)
	}
	return c, nil
}

// QuotaCounter implements Repository.
func (s *SQLiteRepository) QuotaCounter(ctx context.Context, userID, date string) (model.DailyQuotaCounter, error) {
	return s.quotaCounter(ctx, s.db, userID, date)
}

func (s *SQLiteRepository) userSettings(ctx context.Context, q querier, userID string, defaults model.UserSettings) (model.UserSettings, error) {
	out := model.UserSettings{UserID: userID}
	var enabled int
	var updated int64
	err := q.QueryRowContext(ctx,
		"SELECT daily_limit, limit_enabled, updated_at FROM user_settings WHERE user_id = ?",
		userID).Scan(&out.DailyLimit, &enabled, &updated)
	if isNoRows(err) {
		defaults.UserID = userID
		return defaults, nil
	}
	if err != nil {
		return out, backendErr("user_settings", 0, err)
	}
	out.LimitEnabled = enabled != 0
	out.UpdatedAt = fromNanos(updated)
	return out, nil
}

// UserSettings implements Repository.
func (s *SQLiteRepository) UserSettings(ctx context.Context, userID string, defaults model.UserSettings) (model.UserSettings, error) {
	return s.userSettings(ctx, s.db, userID, defaults)
}

// SaveUserSettings implements Repository.
func (s *SQLiteRepository) SaveUserSettings(ctx context.Context, us model.UserSettings) error {
	if us.DailyLimit < 0 {
		return fmt.Errorf("%w: daily limit must be >= 0", model.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, daily_limit, limit_enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			limit_enabled = excluded.limit_enabled,
			updated_at = excluded.updated_at`,
		us.UserID, us.DailyLimit, boolInt(us.LimitEnabled), toNanos(us.UpdatedAt))
	if err != nil {
		return translateWriteErr("save_settings", 0, err)
	}
	return nil
}

// ListAudit implements Repository.
func (s *SQLiteRepository) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, point_id, fingerprint, key_point, category, mistake_count, deleted_at, deleted_reason, purged_at
		FROM deletion_audit ORDER BY purged_at DESC, rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, backendErr("list_audit", 0, err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var category string
		var deletedAt, purgedAt int64
		if err := rows.Scan(&e.ID, &e.PointID, &e.Fingerprint, &e.KeyPoint, &category, &e.MistakeCount,
			&deletedAt, &e.DeletedReason, &purgedAt); err != nil {
			return nil, backendErr("list_audit", 0, err)
		}
		if e.Category, err = model.ParseCategory(category); err != nil {
			return nil, fmt.Errorf("%w: audit %s category %q", model.ErrConsistency, e.ID, category)
		}
		e.DeletedAt = fromNanos(deletedAt)
		e.PurgedAt = fromNanos(purgedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("list_audit", 0, err)
	}
	return out, nil
}
