package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/gorevise/pkg/model"
)

func setupTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(":memory:", SQLiteOptions{})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestNewSQLiteRepository_Validation(t *testing.T) {
	_, err := NewSQLiteRepository("", SQLiteOptions{})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = NewSQLiteRepository(":memory:", SQLiteOptions{Driver: "postgres"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSQLiteRepository_SchemaTables(t *testing.T) {
	repo := setupTestRepository(t)
	for _, table := range []string{
		"knowledge_points", "original_errors", "review_examples", "tags",
		"user_settings", "daily_knowledge_stats", "deletion_audit",
	} {
		var name string
		err := repo.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	for _, column := range []string{"subtype", "notes", "history"} {
		if !repo.columnExists("knowledge_points", column) {
			t.Errorf("expected column %s", column)
		}
	}

	// Re-running the schema is idempotent.
	require.NoError(t, repo.initSchema())
}

func TestSQLiteRepository_CheckConstraints(t *testing.T) {
	repo := setupTestRepository(t)

	_, err := repo.DB().Exec(`INSERT INTO knowledge_points (fingerprint, key_point, category, mastery_level, created_at, last_seen)
		VALUES ('fp', 'k', 'other', 1.5, 0, 0)`)
	assert.Error(t, err, "mastery above one must be rejected")

	_, err = repo.DB().Exec(`INSERT INTO knowledge_points (fingerprint, key_point, category, created_at, last_seen)
		VALUES ('fp', 'k', 'grammar', 0, 0)`)
	assert.Error(t, err, "unknown category must be rejected")

	_, err = repo.DB().Exec(`INSERT INTO knowledge_points (fingerprint, key_point, category, created_at, last_seen, next_review)
		VALUES ('fp', 'k', 'other', 0, 100, 50)`)
	assert.Error(t, err, "next review before last seen must be rejected")

	_, err = repo.DB().Exec(`INSERT INTO daily_knowledge_stats (date, user_id) VALUES ('2026-03-01', 'u')`)
	require.NoError(t, err)
	_, err = repo.DB().Exec(`INSERT INTO daily_knowledge_stats (date, user_id) VALUES ('2026-03-01', 'u')`)
	assert.Error(t, err, "one counter row per user and day")
}

func TestSQLiteRepository_CorruptHistorySurfaces(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	p, err := repo.Create(ctx, newPoint("x", model.Other))
	require.NoError(t, err)
	_, err = repo.DB().Exec("UPDATE knowledge_points SET history = '{not json' WHERE id = ?", p.ID)
	require.NoError(t, err)

	_, err = repo.Get(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrConsistency)
}

func TestSQLiteRepository_TimesRoundTripExactly(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	p := newPoint("x", model.Other)
	p.LastSeen = t0.Add(123456789)
	p.NextReview = model.TimePtr(p.LastSeen.Add(24 * time.Hour))
	created, err := repo.Create(ctx, p)
	require.NoError(t, err)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(p.LastSeen))
	assert.Equal(t, p.LastSeen.UnixNano(), got.LastSeen.UnixNano())
	assert.Equal(t, "UTC", got.LastSeen.Location().String())
}
