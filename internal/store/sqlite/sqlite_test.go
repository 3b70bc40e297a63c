package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
	"kasirsync/internal/store/storetest"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository { return createTestStore(t) })
}

func TestPragmasApplied(t *testing.T) {
	s := createTestStore(t)
	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	first, err := Open(path)
	require.NoError(t, err)
	action, err := first.Commit(ctx, storetest.NewCommit(storetest.NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	require.NoError(t, err)
	action.Status = domain.ActionSyncing
	require.NoError(t, first.UpdateAction(ctx, *action))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	n, err := second.ResetInFlight(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := second.ListActions(ctx, store.ActionFilter{Statuses: []domain.ActionStatus{domain.ActionPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, action.IdempotencyKey, pending[0].IdempotencyKey)

	next, err := second.Commit(ctx, storetest.NewCommit(storetest.NewSale("s1", "N-1", 2), 1, domain.OpAddItem))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Seq)
	assert.Equal(t, int64(1), next.PrevSeq)
}
