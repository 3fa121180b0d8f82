package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"watchtower/internal/broadcaster"
	"watchtower/internal/chainmodel"
	"watchtower/internal/config"
	"watchtower/internal/store"
)

type fakeAccel struct {
	removed []chainmodel.Hash
}

func (f *fakeAccel) Due(ctx context.Context, chainID uint64, now int64, max int) ([]chainmodel.Hash, error) {
	return nil, nil
}
func (f *fakeAccel) PushRetry(ctx context.Context, chainID uint64, hash chainmodel.Hash, nextRetryAt int64) error {
	return nil
}
func (f *fakeAccel) Remove(ctx context.Context, chainID uint64, hash chainmodel.Hash) error {
	f.removed = append(f.removed, hash)
	return nil
}

type fakeBroadcaster struct {
	result broadcaster.Result
}

func (f *fakeBroadcaster) Submit(ctx context.Context, chainID uint64, raw []byte) broadcaster.Result {
	return f.result
}

type fakeNonces struct {
	current uint64
}

func (f *fakeNonces) NonceAt(ctx context.Context, chainID uint64, addr chainmodel.Address) (uint64, error) {
	return f.current, nil
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollIntervalMS:       1000,
		LeaseTTLSeconds:      30,
		MaxConcurrency:       4,
		RetryMinMS:           100,
		RetryMaxMS:           10_000,
		ExpirySoonWindowSec:  60,
		ExpirySoonRetryMaxMS: 500,
	}
}

func insertQueued(t *testing.T, s store.Store, hashByte byte) chainmodel.Record {
	t.Helper()
	var rec chainmodel.Record
	rec.ChainID = 1
	rec.TxHash[0] = hashByte
	rec.RawTx = []byte{0x1}
	rec.Sender[0] = 0xaa
	rec.Status = chainmodel.StatusQueued
	rec.EligibleAt = 1000
	na := int64(1000)
	rec.NextActionAt = &na
	rec.CreatedAt, rec.UpdatedAt = 1000, 1000
	_, _, err := s.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestProcess_AcceptedReschedulesAsBroadcastingWithin(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()
	rec := insertQueued(t, st, 0x1)

	claimed, err := st.ClaimDue(context.Background(), 1, 1000, 30, "owner", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	accel := &fakeAccel{}
	bc := &fakeBroadcaster{result: broadcaster.Result{Outcome: broadcaster.OutcomeAccepted}}
	sched := New(st, accel, bc, &fakeNonces{}, testConfig(), 2*time.Second, nil)

	sched.process(context.Background(), claimed[0])

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusBroadcasting, got.Status)
	require.NotNil(t, got.NextActionAt)
	// confirm window 2s, under the 10s retry cap
	require.LessOrEqual(t, *got.NextActionAt, chainmodel.Now()+2)
}

func TestProcess_FatalMalformedTerminatesInvalid(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()
	rec := insertQueued(t, st, 0x2)

	claimed, err := st.ClaimDue(context.Background(), 1, 1000, 30, "owner", 10)
	require.NoError(t, err)

	accel := &fakeAccel{}
	bc := &fakeBroadcaster{result: broadcaster.Result{Outcome: broadcaster.OutcomeFatal, FatalCode: "MalformedTx"}}
	sched := New(st, accel, bc, &fakeNonces{}, testConfig(), 2*time.Second, nil)

	sched.process(context.Background(), claimed[0])

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusInvalid, got.Status)
	require.Contains(t, accel.removed, rec.TxHash)
}

func TestProcess_NonceTooLowConfirmedMarksStale(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()
	rec := insertQueued(t, st, 0x3)

	claimed, err := st.ClaimDue(context.Background(), 1, 1000, 30, "owner", 10)
	require.NoError(t, err)

	accel := &fakeAccel{}
	bc := &fakeBroadcaster{result: broadcaster.Result{Outcome: broadcaster.OutcomeFatal, FatalCode: "NonceTooLow"}}
	sched := New(st, accel, bc, &fakeNonces{current: rec.Nonce + 1}, testConfig(), 2*time.Second, nil)

	sched.process(context.Background(), claimed[0])

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusStaleByNonce, got.Status)
}

func TestProcess_NonceTooLowUnconfirmedRetriesInstead(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()
	rec := insertQueued(t, st, 0x4)

	claimed, err := st.ClaimDue(context.Background(), 1, 1000, 30, "owner", 10)
	require.NoError(t, err)

	accel := &fakeAccel{}
	bc := &fakeBroadcaster{result: broadcaster.Result{Outcome: broadcaster.OutcomeFatal, FatalCode: "NonceTooLow"}}
	sched := New(st, accel, bc, &fakeNonces{current: rec.Nonce}, testConfig(), 2*time.Second, nil)

	sched.process(context.Background(), claimed[0])

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusRetryScheduled, got.Status)
}

func TestProcess_AlreadyExpiredTerminatesBeforeBroadcast(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer st.Close()

	var rec chainmodel.Record
	rec.ChainID = 1
	rec.TxHash[0] = 0x5
	rec.RawTx = []byte{0x1}
	rec.Status = chainmodel.StatusQueued
	rec.EligibleAt = 1000
	exp := int64(500)
	rec.ExpiresAt = &exp
	na := int64(1000)
	rec.NextActionAt = &na
	rec.CreatedAt, rec.UpdatedAt = 1000, 1000
	_, _, err = st.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)

	claimed, err := st.ClaimDue(context.Background(), 1, 1000, 30, "owner", 10)
	require.NoError(t, err)

	accel := &fakeAccel{}
	bc := &fakeBroadcaster{} // never called
	sched := New(st, accel, bc, &fakeNonces{}, testConfig(), 2*time.Second, nil)
	sched.process(context.Background(), claimed[0])

	got, err := st.Get(context.Background(), rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusExpired, got.Status)
}

func TestBackoffSeconds_TightensNearExpiry(t *testing.T) {
	cfg := testConfig()
	expires := int64(1030) // 30s out, within the 60s expiry_soon window
	d := backoffSeconds(5, 1000, &expires, cfg)
	require.LessOrEqual(t, d, cfg.ExpirySoonRetryMaxMS/1000+1)
}
