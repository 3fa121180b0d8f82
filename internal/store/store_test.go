package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"watchtower/internal/chainmodel"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(hashByte byte) chainmodel.Record {
	var rec chainmodel.Record
	rec.ChainID = 7
	rec.TxHash[0] = hashByte
	rec.Sender[0] = 0xaa
	rec.NonceKey[0] = 0x01
	rec.Nonce = 1
	rec.EligibleAt = 1000
	rec.Status = chainmodel.StatusQueued
	na := int64(1000)
	rec.NextActionAt = &na
	rec.CreatedAt, rec.UpdatedAt = 1000, 1000
	return rec
}

func TestInsertIfAbsent_IdempotentOnResubmit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord(0x11)

	_, known, err := s.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)
	require.False(t, known)

	_, known, err = s.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)
	require.True(t, known)
}

func TestGet_AmbiguousAcrossChains(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(0x22)
	_, _, err := s.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)

	rec2 := rec
	rec2.ChainID = 8
	_, _, err = s.InsertIfAbsent(ctx, rec2)
	require.NoError(t, err)

	_, err = s.Get(ctx, rec.TxHash, nil)
	require.Error(t, err)

	got, err := s.Get(ctx, rec.TxHash, &rec.ChainID)
	require.NoError(t, err)
	require.Equal(t, rec.ChainID, got.ChainID)
}

func TestClaimDue_ExclusiveAcrossOwners(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(0x33)
	_, _, err := s.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)

	first, err := s.ClaimDue(ctx, rec.ChainID, 1000, 30, "owner-a", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.ClaimDue(ctx, rec.ChainID, 1001, 30, "owner-b", 10)
	require.NoError(t, err)
	require.Empty(t, second, "lease still held, must not be claimable by a second owner")
}

func TestComplete_RejectsLeavingTerminalState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(0x44)
	_, _, err := s.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)

	err = s.Complete(ctx, rec.TxHash, rec.ChainID, Outcome{Terminal: &Terminal{Status: chainmodel.StatusExecuted}})
	require.NoError(t, err)

	err = s.Complete(ctx, rec.TxHash, rec.ChainID, Outcome{Reschedule: &Reschedule{NextActionAt: 2000}})
	require.Error(t, err)
}

func TestMarkStale_RequiresOvertakenNonce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(0x55)
	rec.Nonce = 5
	_, _, err := s.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)

	_, err = s.MarkStale(ctx, rec.TxHash, &rec.ChainID, 5)
	require.Error(t, err)

	got, err := s.MarkStale(ctx, rec.TxHash, &rec.ChainID, 6)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusStaleByNonce, got.Status)
}

func TestCancelGroup_SkipsAlreadyTerminalMembers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var gid chainmodel.GroupID
	gid[0] = 0x9

	active := sampleRecord(0x66)
	active.GroupID = &gid
	_, _, err := s.InsertIfAbsent(ctx, active)
	require.NoError(t, err)

	done := sampleRecord(0x67)
	done.GroupID = &gid
	done.Status = chainmodel.StatusExecuted
	_, _, err = s.InsertIfAbsent(ctx, done)
	require.NoError(t, err)

	count, hashes, err := s.CancelGroup(ctx, active.Sender, gid, &active.ChainID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, active.TxHash, hashes[0])

	got, err := s.Get(ctx, active.TxHash, &active.ChainID)
	require.NoError(t, err)
	require.Equal(t, chainmodel.StatusCanceledLocally, got.Status)
	require.Nil(t, got.RawTx)
}
