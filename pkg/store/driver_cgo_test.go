//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/gorevise/pkg/model"
)

func TestCGODriver(t *testing.T) {
	repo, err := NewSQLiteRepository(":memory:", SQLiteOptions{Driver: DriverMattn})
	require.NoError(t, err)
	defer repo.Close()

	assert.Equal(t, DriverMattn, repo.Driver())

	var sqliteVersion string
	require.NoError(t, repo.DB().QueryRow("select sqlite_version()").Scan(&sqliteVersion))
	t.Logf("sqlite_version=%s", sqliteVersion)

	ctx := context.Background()
	_, err = repo.Create(ctx, newPoint("cgo", model.Systematic))
	require.NoError(t, err)
	_, err = repo.Create(ctx, newPoint("cgo", model.Systematic))
	assert.ErrorIs(t, err, model.ErrConflict)
}
