// Package ingest is the relay's Ingest/CancelAPI entrypoint: it decodes
// and persists a raw transaction, runs the stale-nonce admission check,
// and authorizes group cancellation by signature.
package ingest

import (
	"context"

	"github.com/sirupsen/logrus"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
	"watchtower/internal/noncekey"
	"watchtower/internal/txcodec"
)

// Store is the narrow slice of store.Store Ingest needs.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec chainmodel.Record) (chainmodel.Record, bool, error)
	Get(ctx context.Context, txHash chainmodel.Hash, chainID *uint64) (chainmodel.Record, error)
	MarkStale(ctx context.Context, txHash chainmodel.Hash, chainID *uint64, currentNonce uint64) (chainmodel.Record, error)
	CancelGroup(ctx context.Context, sender chainmodel.Address, groupID chainmodel.GroupID, chainID *uint64) (int, []chainmodel.Hash, error)
}

// Accelerator is the narrow slice of accelerator.Accelerator Ingest needs.
type Accelerator interface {
	PushReady(ctx context.Context, chainID uint64, hash chainmodel.Hash, eligibleAt int64) error
	Remove(ctx context.Context, chainID uint64, hash chainmodel.Hash) error
}

// NonceObserver supplies the Watcher's cached current-nonce observation;
// satisfied by watcher.Watcher.CachedNonce.
type NonceObserver interface {
	CachedNonce(chainID uint64, sender chainmodel.Address, nonceKey chainmodel.NonceKey) (uint64, bool)
}

// SigVerifier authorizes a cancel_group request; satisfied by sigverify.Verifier.
type SigVerifier interface {
	Verify(ctx context.Context, sig []byte, groupID chainmodel.GroupID, expected chainmodel.Address) error
}

// Ingest wires TxCodec + NonceKeyCodec decode into Store + Accelerator
// persistence, and authorizes local cancellation via SigVerifier.
type Ingest struct {
	store  Store
	accel  Accelerator
	nonces NonceObserver
	sig    SigVerifier

	expectedChains map[uint64]bool
	log            *logrus.Entry
}

// New builds an Ingest. expectedChains, when non-empty, is the configured
// set submit_raw enforces chain_id membership against (config.RPC.Chains'
// keys in practice).
func New(st Store, accel Accelerator, nonces NonceObserver, sig SigVerifier, expectedChains map[uint64]bool, log *logrus.Entry) *Ingest {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingest{store: st, accel: accel, nonces: nonces, sig: sig, expectedChains: expectedChains, log: log.WithField("component", "ingest")}
}

// SubmitResult is what submit_raw returns.
type SubmitResult struct {
	TxHash       chainmodel.Hash
	Sender       chainmodel.Address
	NonceKey     chainmodel.NonceKey
	Nonce        uint64
	GroupID      *chainmodel.GroupID
	EligibleAt   int64
	ExpiresAt    *int64
	Status       chainmodel.Status
	AlreadyKnown bool
}

// SubmitRaw decodes raw, enforces chain membership, persists it
// idempotently, and pushes a new arrival's eligibility into the
// Accelerator.
func (i *Ingest) SubmitRaw(ctx context.Context, chainIDExpected *uint64, raw []byte) (SubmitResult, error) {
	now := chainmodel.Now()
	decoded, err := txcodec.Decode(raw, txcodec.Options{Now: now, ExpectedChainIDs: i.expectedChains})
	if err != nil {
		return SubmitResult{}, err
	}
	if chainIDExpected != nil && decoded.ChainID != *chainIDExpected {
		return SubmitResult{}, apperr.TxInvalid("UnsupportedChain", "chain_id does not match the chain_id_expected parameter")
	}

	parsed := noncekey.Parse(decoded.NonceKey)
	var groupID *chainmodel.GroupID
	if parsed.Grouped {
		g := parsed.GroupID
		groupID = &g
	}

	eligibleAt := now
	if decoded.ValidAfter != nil && *decoded.ValidAfter > eligibleAt {
		eligibleAt = *decoded.ValidAfter
	}

	rec := chainmodel.Record{
		ChainID:      decoded.ChainID,
		TxHash:       decoded.TxHash,
		RawTx:        raw,
		Sender:       decoded.Sender,
		FeePayer:     decoded.FeePayer,
		NonceKey:     decoded.NonceKey,
		Nonce:        decoded.Nonce,
		ValidAfter:   decoded.ValidAfter,
		ValidBefore:  decoded.ValidBefore,
		EligibleAt:   eligibleAt,
		ExpiresAt:    decoded.ValidBefore,
		Status:       chainmodel.StatusQueued,
		GroupID:      groupID,
		NextActionAt: &eligibleAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stored, alreadyKnown, err := i.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return SubmitResult{}, err
	}
	if !alreadyKnown {
		if err := i.accel.PushReady(ctx, stored.ChainID, stored.TxHash, stored.EligibleAt); err != nil {
			i.log.WithError(err).Warn("accelerator push failed on submit")
		}
	}

	return SubmitResult{
		TxHash:       stored.TxHash,
		Sender:       stored.Sender,
		NonceKey:     stored.NonceKey,
		Nonce:        stored.Nonce,
		GroupID:      stored.GroupID,
		EligibleAt:   stored.EligibleAt,
		ExpiresAt:    stored.ExpiresAt,
		Status:       stored.Status,
		AlreadyKnown: alreadyKnown,
	}, nil
}

// MarkStale trusts the Watcher's most recent current_nonce observation for
// the row's (sender, nonce_key); it never issues its own live chain read.
func (i *Ingest) MarkStale(ctx context.Context, txHash chainmodel.Hash, chainID *uint64) (chainmodel.Record, error) {
	rec, err := i.store.Get(ctx, txHash, chainID)
	if err != nil {
		return chainmodel.Record{}, err
	}
	if rec.Status.Terminal() {
		return chainmodel.Record{}, apperr.AlreadyTerminal("AlreadyTerminal", "transaction already in a terminal state")
	}

	current, ok := i.nonces.CachedNonce(rec.ChainID, rec.Sender, rec.NonceKey)
	if !ok {
		return chainmodel.Record{}, apperr.Transient("NoObservation", "watcher has no cached nonce observation for this sender yet")
	}
	if current <= rec.Nonce {
		return chainmodel.Record{}, apperr.Precondition("NotStale", "current nonce has not overtaken this transaction")
	}

	updated, err := i.store.MarkStale(ctx, txHash, chainID, current)
	if err != nil {
		return chainmodel.Record{}, err
	}
	_ = i.accel.Remove(ctx, updated.ChainID, txHash)
	return updated, nil
}

// CancelGroup authorizes and applies a local cancellation of every
// non-terminal member of (sender, group_id).
func (i *Ingest) CancelGroup(ctx context.Context, sender chainmodel.Address, groupID chainmodel.GroupID, chainID *uint64, signature []byte) (int, []chainmodel.Hash, error) {
	if err := i.sig.Verify(ctx, signature, groupID, sender); err != nil {
		return 0, nil, err
	}

	count, hashes, err := i.store.CancelGroup(ctx, sender, groupID, chainID)
	if err != nil {
		return 0, nil, err
	}
	if chainID != nil {
		for _, h := range hashes {
			if err := i.accel.Remove(ctx, *chainID, h); err != nil {
				i.log.WithError(err).Warn("accelerator remove failed after cancel_group")
			}
		}
	}
	return count, hashes, nil
}
