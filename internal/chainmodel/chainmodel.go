// Package chainmodel holds the domain types shared by every Watchtower
// subsystem: the transaction record, its status machine, and the derived
// group view. No subsystem-specific logic lives here — just the shapes
// everyone agrees on, the way core/common_structs.go centralises shared
// structs to avoid cyclic imports between packages.
package chainmodel

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// Address is a 20-byte account address.
type Address [20]byte

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// Hash is a 32-byte transaction hash.
type Hash [32]byte

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// GroupID is the 16-byte canonical group identifier (first 16 bytes of
// keccak256(nonce_key)).
type GroupID [16]byte

func (g GroupID) String() string { return "0x" + hex.EncodeToString(g[:]) }

// NonceKey is the 32-byte structured nonce key carried by every transaction.
type NonceKey [32]byte

// Status is the transaction lifecycle state.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusBroadcasting     Status = "broadcasting"
	StatusRetryScheduled   Status = "retry_scheduled"
	StatusExecuted         Status = "executed"
	StatusExpired          Status = "expired"
	StatusInvalid          Status = "invalid"
	StatusStaleByNonce     Status = "stale_by_nonce"
	StatusCanceledLocally  Status = "canceled_locally"
)

// Terminal reports whether s is one of the five absorbing states.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusExpired, StatusInvalid, StatusStaleByNonce, StatusCanceledLocally:
		return true
	default:
		return false
	}
}

// Record is the durable transaction row. Pointer fields are the nullable
// columns.
type Record struct {
	ChainID  uint64
	TxHash   Hash
	RawTx    []byte // nil once locally canceled
	Sender   Address
	FeePayer *Address
	NonceKey NonceKey
	Nonce    uint64

	ValidAfter  *int64
	ValidBefore *int64
	EligibleAt  int64
	ExpiresAt   *int64

	Status Status

	GroupID *GroupID

	NextActionAt *int64
	LeaseOwner   *string
	LeaseUntil   *int64

	Attempts         int
	LastError        string
	LastBroadcastAt  *int64
	Receipt          json.RawMessage

	CreatedAt int64
	UpdatedAt int64
}

// AlreadyExpired reports whether now is at or past the validity window's end.
func (r *Record) AlreadyExpired(now int64) bool {
	return r.ExpiresAt != nil && now >= *r.ExpiresAt
}

// Group is the derived aggregate over a (chain_id, sender, group_id) set.
type Group struct {
	ChainID       uint64
	Sender        Address
	GroupID       GroupID
	NonceKey      NonceKey
	Members       []Record
	StartAt       int64
	EndAt         int64
	NextPaymentAt *int64 // nil if no non-terminal member remains
}

// Derive computes a Group's aggregates from its member records. members must
// share (ChainID, Sender, GroupID) and is assumed non-empty.
func Derive(chainID uint64, sender Address, groupID GroupID, members []Record) Group {
	g := Group{ChainID: chainID, Sender: sender, GroupID: groupID, Members: members}
	if len(members) == 0 {
		return g
	}
	g.NonceKey = members[0].NonceKey
	g.StartAt = members[0].EligibleAt
	g.EndAt = members[0].EligibleAt
	var next *int64
	for _, m := range members {
		if m.EligibleAt < g.StartAt {
			g.StartAt = m.EligibleAt
		}
		if m.EligibleAt > g.EndAt {
			g.EndAt = m.EligibleAt
		}
		if !m.Status.Terminal() {
			ea := m.EligibleAt
			if next == nil || ea < *next {
				next = &ea
			}
		}
	}
	g.NextPaymentAt = next
	return g
}

// Now returns the current unix-seconds wall clock. Separated into a function
// so tests and deterministic replay can override it.
var Now = func() int64 { return time.Now().Unix() }
