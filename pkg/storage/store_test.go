package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	ID   string
	Name string
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := NewStorage("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv)
}

func TestPutGetScan(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, Put(s, "widgets", "w1", widget{ID: "w1", Name: "gear"}))
	require.NoError(t, Put(s, "widgets", "w2", widget{ID: "w2", Name: "bolt"}))

	got, ok, err := Get[widget](s, "widgets", "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gear", got.Name)

	_, ok, err = Get[widget](s, "widgets", "missing")
	require.NoError(t, err)
	require.False(t, ok)

	all, err := Scan[widget](s, "widgets", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestClaimUniqueRejectsSecondClaimant(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ClaimUnique("orders", "order_number", "ORD-2026-000001-abc", "order-1"))
	// Same id re-claiming is idempotent.
	require.NoError(t, s.ClaimUnique("orders", "order_number", "ORD-2026-000001-abc", "order-1"))

	err := s.ClaimUnique("orders", "order_number", "ORD-2026-000001-abc", "order-2")
	require.Error(t, err)

	require.NoError(t, s.ReleaseUnique("orders", "order_number", "ORD-2026-000001-abc"))
	require.NoError(t, s.ClaimUnique("orders", "order_number", "ORD-2026-000001-abc", "order-2"))
}

func TestLockSerializesPerKey(t *testing.T) {
	s := newTestStore(t)

	unlock := s.Lock("order-1")
	acquired := make(chan struct{})
	go func() {
		unlock2 := s.Lock("order-1")
		close(acquired)
		unlock2()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	default:
	}
	unlock()
	<-acquired
}
