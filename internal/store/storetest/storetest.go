// Package storetest holds the behaviour every store.Repository must share.
// Implementations call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/store"
)

type Factory func(t *testing.T) store.Repository

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Factory) {
	t.Run("CommitAssignsSequenceAndKey", func(t *testing.T) { testCommitAssignsSequence(t, open(t)) })
	t.Run("DuplicateKeyRejected", func(t *testing.T) { testDuplicateKey(t, open(t)) })
	t.Run("DuplicateNumberRejected", func(t *testing.T) { testDuplicateNumber(t, open(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, open(t)) })
	t.Run("SyncedMarksEventsDelivered", func(t *testing.T) { testSyncedMarksDelivered(t, open(t)) })
	t.Run("ResetInFlight", func(t *testing.T) { testResetInFlight(t, open(t)) })
	t.Run("ConflictResolution", func(t *testing.T) { testConflictResolution(t, open(t)) })
	t.Run("AcceptRequeuesFailedAction", func(t *testing.T) { testResolutionRequeuesFailed(t, open(t)) })
	t.Run("PurgeKeepsCursorsAndOpenConflicts", func(t *testing.T) { testPurge(t, open(t)) })
}

// NewSale builds a minimal snapshot at the given version.
func NewSale(id, number string, version int64) *domain.Sale {
	return &domain.Sale{
		ID:         id,
		Number:     number,
		TenantID:   "t1",
		LocationID: "loc-1",
		DeviceID:   "dev-1",
		OperatorID: "op-1",
		Items:      []domain.LineItem{},
		Discounts:  []domain.Discount{},
		Payments:   []domain.Payment{},
		State:      domain.StateDraft,
		Version:    version,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
}

// NewCommit wraps a snapshot with one action and one event per new version.
func NewCommit(sale *domain.Sale, expected int64, op domain.Operation) store.Commit {
	payload, _ := json.Marshal(map[string]string{"sale_id": sale.ID})
	var events []domain.Event
	for seq := expected + 1; seq <= sale.Version; seq++ {
		events = append(events, domain.Event{
			ID:         fmt.Sprintf("evt-%s-%d", sale.ID, seq),
			SaleID:     sale.ID,
			TenantID:   sale.TenantID,
			Seq:        seq,
			Type:       domain.EventItemAdded,
			Category:   domain.CategoryDomain,
			OccurredAt: base,
			Payload:    json.RawMessage(`{}`),
		})
	}
	return store.Commit{
		Sale:            sale,
		ExpectedVersion: expected,
		Action: domain.OfflineAction{
			ID:         fmt.Sprintf("act-%s-%d", sale.ID, sale.Version),
			TenantID:   sale.TenantID,
			LocationID: sale.LocationID,
			DeviceID:   sale.DeviceID,
			SaleID:     sale.ID,
			OperatorID: sale.OperatorID,
			Type:       op,
			Payload:    payload,
			CreatedAt:  base,
			UpdatedAt:  base,
		},
		Events: events,
	}
}

func testCommitAssignsSequence(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a1, err := repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	require.NoError(t, err)
	a2, err := repo.Commit(ctx, NewCommit(NewSale("s2", "N-2", 1), 0, domain.OpCreate))
	require.NoError(t, err)
	a3, err := repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 2), 1, domain.OpAddItem))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1.Seq)
	assert.Equal(t, int64(2), a2.Seq)
	assert.Equal(t, int64(3), a3.Seq)
	assert.Equal(t, int64(0), a1.PrevSeq)
	assert.Equal(t, int64(1), a3.PrevSeq, "prev points at the previous action of the same sale")
	assert.Equal(t, "dev-1:s1:3", a3.IdempotencyKey)
	assert.Equal(t, domain.ActionPending, a3.Status)

	found, err := repo.FindActionByKey(ctx, a3.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.OpAddItem, found.Type)

	events, err := repo.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, a1.IdempotencyKey, events[0].ActionKey)
	assert.Equal(t, a3.IdempotencyKey, events[1].ActionKey)
	assert.False(t, events[1].Delivered)

	actions, err := repo.ListActions(ctx, store.ActionFilter{DeviceID: "dev-1", Statuses: []domain.ActionStatus{domain.ActionPending}})
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{actions[0].Seq, actions[1].Seq, actions[2].Seq})

	sale, err := repo.GetSale(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sale.Version)

	_, err = repo.GetSale(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateKey(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	c := NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate)
	c.Action.IdempotencyKey = "client-key-1"
	_, err := repo.Commit(ctx, c)
	require.NoError(t, err)

	again := NewCommit(NewSale("s1", "N-1", 2), 1, domain.OpAddItem)
	again.Action.IdempotencyKey = "client-key-1"
	_, err = repo.Commit(ctx, again)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	sale, err := repo.GetSale(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sale.Version, "rejected commit leaves no trace")
}

func testDuplicateNumber(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	_, err := repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	require.NoError(t, err)
	_, err = repo.Commit(ctx, NewCommit(NewSale("s2", "N-1", 1), 0, domain.OpCreate))
	assert.ErrorIs(t, err, store.ErrDuplicateNumber)
}

func testVersionConflict(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	_, err := repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	require.NoError(t, err)
	_, err = repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 3), 2, domain.OpAddItem))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	_, err = repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func testSyncedMarksDelivered(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a, err := repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	require.NoError(t, err)

	at := base.Add(time.Minute)
	a.Status = domain.ActionSynced
	a.Attempts = 2
	a.SyncedAt = &at
	a.UpdatedAt = at
	require.NoError(t, repo.UpdateAction(ctx, *a))

	got, err := repo.FindActionByKey(ctx, a.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSynced, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.SyncedAt)
	assert.True(t, got.SyncedAt.Equal(at))
	require.Len(t, got.Events, 1)
	assert.True(t, got.Events[0].Delivered)

	events, err := repo.ListEvents(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, events[0].Delivered)

	devices, err := repo.SyncableDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	err = repo.UpdateAction(ctx, domain.OfflineAction{IdempotencyKey: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testResetInFlight(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a, err := repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	require.NoError(t, err)
	a.Status = domain.ActionSyncing
	a.Attempts = 1
	require.NoError(t, repo.UpdateAction(ctx, *a))

	n, err := repo.ResetInFlight(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.FindActionByKey(ctx, a.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, got.Status)
	assert.Equal(t, 1, got.Attempts, "attempts survive a restart")

	devices, err := repo.SyncableDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1"}, devices)
}

func testConflictResolution(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	_, err := repo.Commit(ctx, NewCommit(NewSale("s1", "N-1", 1), 0, domain.OpCreate))
	require.NoError(t, err)

	rec := domain.ConflictRecord{
		ID:         "c1",
		TenantID:   "t1",
		LocationID: "loc-1",
		DeviceID:   "dev-1",
		SaleID:     "s1",
		Kind:       domain.ConflictOversell,
		Severity:   domain.SeverityWarning,
		Variance:   domain.VarianceShortage,
		Exposure:   money.MustParse("10.00"),
		Status:     domain.ResolutionOpen,
		CreatedAt:  base,
	}
	require.NoError(t, repo.CreateConflict(ctx, rec))
	assert.ErrorIs(t, repo.CreateConflict(ctx, rec), store.ErrDuplicateKey)

	open, err := repo.ListConflicts(ctx, store.ConflictFilter{SaleID: "s1", Status: domain.ResolutionOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "10.00", open[0].Exposure.String())

	resolve := NewCommit(NewSale("s1", "N-1", 2), 1, domain.OpResolveConflict)
	resolve.Resolution = &store.Resolution{
		ConflictID: "c1",
		Decision:   domain.DecisionAccept,
		Note:       "shortage accepted",
		ResolvedBy: "mgr-1",
		ResolvedAt: base.Add(time.Hour),
	}
	action, err := repo.Commit(ctx, resolve)
	require.NoError(t, err)

	got, err := repo.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionResolved, got.Status)
	assert.Equal(t, domain.DecisionAccept, got.Decision)
	assert.Equal(t, action.IdempotencyKey, got.ResolutionKey)
	require.NotNil(t, got.ResolvedAt)

	again := NewCommit(NewSale("s1", "N-1", 3), 2, domain.OpResolveConflict)
	again.Resolution = &store.Resolution{ConflictID: "c1", Decision: domain.DecisionReject}
	_, err = repo.Commit(ctx, again)
	assert.ErrorIs(t, err, domain.ErrConflictResolved)

	open, err = repo.ListConflicts(ctx, store.ConflictFilter{Status: domain.ResolutionOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func testResolutionRequeuesFailed(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	var failed []*domain.OfflineAction
	for i, id := range []string{"s1", "s2"} {
		a, err := repo.Commit(ctx, NewCommit(NewSale(id, fmt.Sprintf("N-%d", i+1), 1), 0, domain.OpCreate))
		require.NoError(t, err)
		a.Status = domain.ActionFailed
		a.Attempts = 5
		a.LastError = "transport failure"
		a.Conflict = &domain.ConflictDetail{Kind: domain.ConflictSyncFailed}
		require.NoError(t, repo.UpdateAction(ctx, *a))
		require.NoError(t, repo.CreateConflict(ctx, domain.ConflictRecord{
			ID: "c-" + id, TenantID: "t1", LocationID: "loc-1", DeviceID: "dev-1", SaleID: id,
			ActionKey: a.IdempotencyKey, ActionSeq: a.Seq, ActionStatus: domain.ActionFailed,
			Kind: domain.ConflictSyncFailed, Status: domain.ResolutionOpen, CreatedAt: base,
		}))
		failed = append(failed, a)
	}

	accept := NewCommit(NewSale("s1", "N-1", 2), 1, domain.OpResolveConflict)
	accept.Resolution = &store.Resolution{ConflictID: "c-s1", Decision: domain.DecisionAccept, ResolvedAt: base.Add(time.Hour)}
	_, err := repo.Commit(ctx, accept)
	require.NoError(t, err)

	reject := NewCommit(NewSale("s2", "N-2", 2), 1, domain.OpResolveConflict)
	reject.Resolution = &store.Resolution{ConflictID: "c-s2", Decision: domain.DecisionReject, ResolvedAt: base.Add(time.Hour)}
	_, err = repo.Commit(ctx, reject)
	require.NoError(t, err)

	requeued, err := repo.FindActionByKey(ctx, failed[0].IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, requeued.Status)
	assert.Zero(t, requeued.Attempts)
	assert.Empty(t, requeued.LastError)
	assert.Nil(t, requeued.Conflict)

	abandoned, err := repo.FindActionByKey(ctx, failed[1].IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, abandoned.Status)
}

func testPurge(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	done := NewSale("s1", "N-1", 1)
	done.State = domain.StateCompleted
	a1, err := repo.Commit(ctx, NewCommit(done, 0, domain.OpCreate))
	require.NoError(t, err)
	blocked := NewSale("s2", "N-2", 1)
	a2, err := repo.Commit(ctx, NewCommit(blocked, 0, domain.OpCreate))
	require.NoError(t, err)

	old := base.Add(-48 * time.Hour)
	for _, a := range []*domain.OfflineAction{a1, a2} {
		a.Status = domain.ActionSynced
		a.SyncedAt = &old
		require.NoError(t, repo.UpdateAction(ctx, *a))
	}
	require.NoError(t, repo.CreateConflict(ctx, domain.ConflictRecord{
		ID: "c-open", TenantID: "t1", LocationID: "loc-1", DeviceID: "dev-1", SaleID: "s2",
		Kind: domain.ConflictStalePrice, Status: domain.ResolutionOpen, CreatedAt: base,
	}))

	n, err := repo.PurgeSynced(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.FindActionByKey(ctx, a1.IdempotencyKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = repo.FindActionByKey(ctx, a2.IdempotencyKey)
	assert.NoError(t, err, "sale with an open conflict keeps its actions")

	sale, err := repo.GetSale(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sale.Archived)

	next, err := repo.Commit(ctx, NewCommit(NewSale("s3", "N-3", 1), 0, domain.OpCreate))
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Seq, "purging never rewinds the device sequence")
}
