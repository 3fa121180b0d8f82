package watcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"watchtower/internal/chainmodel"
	"watchtower/internal/store"
)

type fakeFleet struct {
	receipts map[chainmodel.Hash]json.RawMessage
	nonces   map[chainmodel.Address]uint64
}

func (f *fakeFleet) Receipt(ctx context.Context, chainID uint64, txHash chainmodel.Hash) (json.RawMessage, bool, error) {
	r, ok := f.receipts[txHash]
	return r, ok, nil
}

func (f *fakeFleet) NonceAt(ctx context.Context, chainID uint64, addr chainmodel.Address) (uint64, error) {
	return f.nonces[addr], nil
}

type fakeAccel struct{ removed []chainmodel.Hash }

func (f *fakeAccel) Remove(ctx context.Context, chainID uint64, hash chainmodel.Hash) error {
	f.removed = append(f.removed, hash)
	return nil
}

func insertActive(t *testing.T, s store.Store, hashByte byte, nonce uint64) chainmodel.Record {
	t.Helper()
	var rec chainmodel.Record
	rec.ChainID = 1
	rec.TxHash[0] = hashByte
	rec.Sender[0] = 0xaa
	rec.Nonce = nonce
	rec.Status = chainmodel.StatusBroadcasting
	rec.EligibleAt = 1000
	rec.CreatedAt, rec.UpdatedAt = 1000, 1000
	_, _, err := s.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestPollOnce_ReceiptFoundTerminatesExecuted(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()
	rec := insertActive(t, st, 0x1, 3)

	fleet := &fakeFleet{
		receipts: map[chainmodel.Hash]json.RawMessage{rec.TxHash: json.RawMessage(`{"blockNumber":"0x1"}`)},
		nonces:   map[chainmodel.Address]uint64{rec.Sender: 5}, // would also be stale, receipt must win
	}
	accel := &fakeAccel{}
	w := New(st, fleet, accel, Config{}, nil)

	w.PollOnce(context.Background(), 1)

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusExecuted, got.Status)
}

func TestPollOnce_NonceAdvancedMarksStaleWhenNoReceipt(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()
	rec := insertActive(t, st, 0x2, 3)

	fleet := &fakeFleet{
		receipts: map[chainmodel.Hash]json.RawMessage{},
		nonces:   map[chainmodel.Address]uint64{rec.Sender: 4},
	}
	accel := &fakeAccel{}
	w := New(st, fleet, accel, Config{}, nil)

	w.PollOnce(context.Background(), 1)

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusStaleByNonce, got.Status)

	cached, ok := w.CachedNonce(1, rec.Sender, rec.NonceKey)
	require.True(t, ok)
	require.Equal(t, uint64(4), cached)
}

func TestPollOnce_NonceNotAdvancedLeavesRowActive(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()
	rec := insertActive(t, st, 0x3, 3)

	fleet := &fakeFleet{
		receipts: map[chainmodel.Hash]json.RawMessage{},
		nonces:   map[chainmodel.Address]uint64{rec.Sender: 3},
	}
	accel := &fakeAccel{}
	w := New(st, fleet, accel, Config{}, nil)

	w.PollOnce(context.Background(), 1)

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusBroadcasting, got.Status)
}

func TestCachedNonce_UnknownPairReportsNotOK(t *testing.T) {
	w := New(nil, &fakeFleet{}, &fakeAccel{}, Config{}, nil)
	_, ok := w.CachedNonce(1, chainmodel.Address{}, chainmodel.NonceKey{})
	require.False(t, ok)
}
