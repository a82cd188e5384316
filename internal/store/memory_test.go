package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwangikbr/dukapay-gobackend/internal/models"
)

func pendingInput(orderID, ref string) CreatePendingInput {
	return CreatePendingInput{
		UserID:            "user-1",
		OrderID:           orderID,
		MerchantReference: ref,
		Provider:          models.ProviderMobileMoney,
		Amount:            decimal.RequireFromString("500"),
		Currency:          "KES",
		Contact:           models.Contact{Phone: "254712345678"},
		Description:       "order " + orderID,
	}
}

func TestMemoryStore_CreatePending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, models.StatusPending, tx.Status)
	assert.Equal(t, "REF-1", tx.MerchantReference)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("500")))
}

func TestMemoryStore_CreatePending_ConflictWhilePending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)

	// Conflict holds for every retry until the first attempt resolves.
	for i := 0; i < 2; i++ {
		existing, err := s.CreatePending(ctx, pendingInput("O-1", "REF-2"))
		require.ErrorIs(t, err, ErrPendingExists)
		assert.Equal(t, first.ID, existing.ID, "conflict returns the existing reference")
	}
}

func TestMemoryStore_TerminalDoesNotBlockNewAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)

	_, transitioned, err := s.ApplyProviderResult(ctx, first.ID, models.StatusFailed, `{"ResultCode":"1032"}`)
	require.NoError(t, err)
	require.True(t, transitioned)

	second, err := s.CreatePending(ctx, pendingInput("O-1", "REF-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.StatusPending, second.Status)
}

func TestMemoryStore_ApplyProviderResult_CompletesOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)

	done, transitioned, err := s.ApplyProviderResult(ctx, tx.ID, models.StatusCompleted, `{"ResultCode":"0"}`)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	// Identical second apply: no-op, same stored state.
	again, transitioned, err := s.ApplyProviderResult(ctx, tx.ID, models.StatusCompleted, `{"ResultCode":"0"}`)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, done.Status, again.Status)
	assert.Equal(t, done.CompletedAt, again.CompletedAt)
	assert.Equal(t, done.UpdatedAt, again.UpdatedAt)
}

func TestMemoryStore_ApplyProviderResult_TerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)

	_, _, err = s.ApplyProviderResult(ctx, tx.ID, models.StatusCompleted, "")
	require.NoError(t, err)

	// A late FAILED result must not overwrite COMPLETED.
	got, transitioned, err := s.ApplyProviderResult(ctx, tx.ID, models.StatusFailed, "")
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestMemoryStore_ApplyProviderResult_RejectsNonTerminalTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)

	_, _, err = s.ApplyProviderResult(ctx, tx.ID, models.StatusPending, "")
	require.Error(t, err)
}

func TestMemoryStore_FindByTrackingIDOrReference(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)
	require.NoError(t, s.SetTrackingID(ctx, tx.ID, "ws_CO_123", ""))

	byTracking, err := s.FindByTrackingIDOrReference(ctx, "ws_CO_123", "")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byTracking.ID)

	byRef, err := s.FindByTrackingIDOrReference(ctx, "", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byRef.ID)

	_, err = s.FindByTrackingIDOrReference(ctx, "nope", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ExpireStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old, err := s.CreatePending(ctx, pendingInput("O-1", "REF-1"))
	require.NoError(t, err)
	fresh, err := s.CreatePending(ctx, pendingInput("O-2", "REF-2"))
	require.NoError(t, err)
	completed, err := s.CreatePending(ctx, pendingInput("O-3", "REF-3"))
	require.NoError(t, err)
	_, _, err = s.ApplyProviderResult(ctx, completed.ID, models.StatusCompleted, "")
	require.NoError(t, err)

	// Age the old row past the ttl by moving the store clock forward.
	s.clock = func() time.Time { return time.Now().Add(25 * time.Hour) }
	// fresh was created at the same real time, so re-stamp it as recent.
	s.mu.Lock()
	f := s.byID[fresh.ID]
	f.CreatedAt = time.Now().Add(25 * time.Hour)
	s.byID[fresh.ID] = f
	s.mu.Unlock()

	n, err := s.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gotOld, _ := s.FindByID(ctx, old.ID)
	assert.Equal(t, models.StatusExpired, gotOld.Status)
	gotFresh, _ := s.FindByID(ctx, fresh.ID)
	assert.Equal(t, models.StatusPending, gotFresh.Status)
	gotCompleted, _ := s.FindByID(ctx, completed.ID)
	assert.Equal(t, models.StatusCompleted, gotCompleted.Status, "sweep only touches PENDING")
}
