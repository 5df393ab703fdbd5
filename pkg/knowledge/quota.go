package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/model"
)

// QuotaStatus returns today's quota usage for a user.
func (m *Manager) QuotaStatus(ctx context.Context, userID string) (model.QuotaStatus, error) {
	userID = userOrDefault(userID)
	settings, err := m.repo.UserSettings(ctx, userID, m.defaultSettings())
	if err != nil {
		return model.QuotaStatus{}, err
	}
	counter, err := m.repo.QuotaCounter(ctx, userID, model.DateKey(m.now(), m.opts.Location))
	if err != nil {
		return model.QuotaStatus{}, err
	}
	return model.NewQuotaStatus(counter, settings), nil
}

// SetQuotaConfig stores a user's daily limit. Lowering the limit below
// today's usage blocks further limited creations but deletes nothing.
func (m *Manager) SetQuotaConfig(ctx context.Context, userID string, limit int, enabled bool) (model.QuotaStatus, error) {
	if limit < 0 {
		return model.QuotaStatus{}, fmt.Errorf("%w: daily limit must be >= 0, got %d", model.ErrValidation, limit)
	}
	userID = userOrDefault(userID)
	err := m.repo.SaveUserSettings(ctx, model.UserSettings{
		UserID:       userID,
		DailyLimit:   limit,
		LimitEnabled: enabled,
		UpdatedAt:    m.now(),
	})
	if err != nil {
		return model.QuotaStatus{}, err
	}
	m.logger.Info("daily quota updated",
		zap.String("user_id", userID),
		zap.Int("limit", limit),
		zap.Bool("enabled", enabled))
	return m.QuotaStatus(ctx, userID)
}

// Settings returns a user's quota settings, or the defaults when none were
// saved.
func (m *Manager) Settings(ctx context.Context, userID string) (model.UserSettings, error) {
	return m.repo.UserSettings(ctx, userOrDefault(userID), m.defaultSettings())
}
