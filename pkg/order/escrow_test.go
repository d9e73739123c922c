package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bazaar/pkg/storage"
)

func newTestEscrowService(t *testing.T) *EscrowService {
	t.Helper()
	kv, err := storage.NewStorage("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewEscrowService(storage.NewStore(kv))
}

func TestEscrowCreateIsIdempotent(t *testing.T) {
	s := newTestEscrowService(t)
	ctx := context.Background()

	first, err := s.CreateForOrder(ctx, "order-1", decimal.NewFromInt(100), 7, 7)
	require.NoError(t, err)
	second, err := s.CreateForOrder(ctx, "order-1", decimal.NewFromInt(999), 7, 7)
	require.NoError(t, err)
	require.Equal(t, first.EscrowID, second.EscrowID)
	require.True(t, second.Amount.Equal(decimal.NewFromInt(100)))
}

func TestEscrowDisputeAndResolve(t *testing.T) {
	s := newTestEscrowService(t)
	ctx := context.Background()
	_, err := s.CreateForOrder(ctx, "order-2", decimal.NewFromInt(100), 7, 7)
	require.NoError(t, err)

	_, err = s.Dispute(ctx, "order-2", "dispute-1")
	require.NoError(t, err)

	esc, err := s.Get(ctx, "order-2")
	require.NoError(t, err)
	require.Equal(t, EscrowDisputed, esc.Status)

	_, err = s.ResolveFromDispute(ctx, "order-2", true, "buyer confirmed receipt")
	require.NoError(t, err)

	esc, err = s.Get(ctx, "order-2")
	require.NoError(t, err)
	require.Equal(t, EscrowReleased, esc.Status)
}

func TestEscrowRejectsDoubleRelease(t *testing.T) {
	s := newTestEscrowService(t)
	ctx := context.Background()
	_, err := s.CreateForOrder(ctx, "order-3", decimal.NewFromInt(100), 7, 7)
	require.NoError(t, err)

	_, err = s.Release(ctx, "order-3", "buyer accepted")
	require.NoError(t, err)

	_, err = s.Release(ctx, "order-3", "buyer accepted again")
	require.Error(t, err)
}

func TestDueForAutoRelease(t *testing.T) {
	s := newTestEscrowService(t)
	ctx := context.Background()
	_, err := s.CreateForOrder(ctx, "order-4", decimal.NewFromInt(100), 0, 7)
	require.NoError(t, err)

	due, err := s.DueForAutoRelease(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
}
