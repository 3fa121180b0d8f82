// Package txcodec decodes and verifies the Tempo-compatible transaction
// envelope: an EIP-2718-style typed envelope, RLP-encoded, carrying a
// 32-byte nonce key alongside the usual gas/value
// fields, an optional batch of sub-calls, a sender signature, and an
// optional fee-payer (sponsor) signature.
//
// Decoding is strict: go-ethereum's rlp.DecodeBytes already rejects
// trailing bytes (ErrMoreThanOneValue), and an unrecognised leading type
// byte is rejected before any RLP decoding is attempted.
package txcodec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
)

// Type is the leading envelope byte.
type Type byte

const (
	// TypeSimple is a single-call transaction: one recipient, one value,
	// one input payload.
	TypeSimple Type = 0x00
	// TypeBatch carries a list of sub-calls executed atomically.
	TypeBatch Type = 0x01
)

// SubCall is one leg of a TypeBatch transaction.
type SubCall struct {
	To    chainmodel.Address
	Value uint64
	Input []byte
}

// Decoded is everything TxCodec extracts from a raw envelope.
type Decoded struct {
	Type     Type
	ChainID  uint64
	NonceKey chainmodel.NonceKey
	Nonce    uint64

	ValidAfter  *int64
	ValidBefore *int64

	GasLimit uint64
	GasPrice uint64

	To       chainmodel.Address
	Value    uint64
	Input    []byte
	SubCalls []SubCall

	Sender   chainmodel.Address
	FeePayer *chainmodel.Address

	TxHash chainmodel.Hash
	Raw    []byte
}

// rlpBody is the wire shape of the envelope's RLP payload (everything after
// the leading type byte). Optional fields use the zero value as "unset":
// ValidAfter/ValidBefore of 0 mean "not present": an absent valid_after
// means "no lower bound" and an absent valid_before means infinity; 0 is
// not a meaningful unix-seconds value for either in practice.
type rlpBody struct {
	ChainID     uint64
	NonceKeyRaw []byte // exactly 32 bytes
	Nonce       uint64
	ValidAfter  uint64
	ValidBefore uint64
	GasLimit    uint64
	GasPrice    uint64
	To          []byte // 20 bytes, or empty for a pure batch
	Value       uint64
	Input       []byte
	SubCalls    []rlpSubCall
	// Sender signature, r||s||v style split for RLP friendliness.
	V *big.Int
	R *big.Int
	S *big.Int
	// Fee payer signature, all three nil/zero when absent.
	FeePayerSet bool
	FeePayerV   *big.Int
	FeePayerR   *big.Int
	FeePayerS   *big.Int
}

type rlpSubCall struct {
	To    []byte
	Value uint64
	Input []byte
}

// Options tailor a single Decode call.
type Options struct {
	// Now is the wall-clock unix-seconds time used for the expiry check.
	Now int64
	// ExpectedChainIDs, when non-empty, causes decoding to fail
	// UnsupportedChain if the envelope's chain_id isn't among them. Ingest
	// supplies its configured set here.
	ExpectedChainIDs map[uint64]bool
}

// Decode parses, verifies, and classifies a raw signed transaction.
func Decode(raw []byte, opts Options) (*Decoded, error) {
	if len(raw) < 1 {
		return nil, apperr.TxInvalid("MalformedTx", "empty envelope")
	}

	typ := Type(raw[0])
	switch typ {
	case TypeSimple, TypeBatch:
	default:
		return nil, apperr.TxInvalid("MalformedTx", "unknown transaction type byte")
	}

	var body rlpBody
	if err := rlp.DecodeBytes(raw[1:], &body); err != nil {
		return nil, apperr.Malformed("MalformedTx", "rlp decode: "+err.Error())
	}

	if len(body.NonceKeyRaw) != 32 {
		return nil, apperr.TxInvalid("MalformedTx", "nonce_key must be 32 bytes")
	}
	if typ == TypeSimple && len(body.To) != 20 {
		return nil, apperr.TxInvalid("MalformedTx", "to must be 20 bytes for a simple transaction")
	}
	if typ == TypeBatch && len(body.SubCalls) == 0 {
		return nil, apperr.TxInvalid("MalformedTx", "batch transaction with no sub-calls")
	}

	if len(opts.ExpectedChainIDs) > 0 && !opts.ExpectedChainIDs[body.ChainID] {
		return nil, apperr.TxInvalid("UnsupportedChain", "chain id not configured on this relay")
	}

	d := &Decoded{
		Type:     typ,
		ChainID:  body.ChainID,
		Nonce:    body.Nonce,
		GasLimit: body.GasLimit,
		GasPrice: body.GasPrice,
		Value:    body.Value,
		Input:    body.Input,
		Raw:      append([]byte(nil), raw...),
	}
	copy(d.NonceKey[:], body.NonceKeyRaw)
	if len(body.To) == 20 {
		copy(d.To[:], body.To)
	}
	if body.ValidAfter != 0 {
		v := int64(body.ValidAfter)
		d.ValidAfter = &v
	}
	if body.ValidBefore != 0 {
		v := int64(body.ValidBefore)
		d.ValidBefore = &v
		if opts.Now >= v {
			return nil, apperr.TxInvalid("Expired", "valid_before has already passed")
		}
	}
	for _, sc := range body.SubCalls {
		if len(sc.To) != 20 {
			return nil, apperr.TxInvalid("MalformedTx", "sub-call to must be 20 bytes")
		}
		var to chainmodel.Address
		copy(to[:], sc.To)
		d.SubCalls = append(d.SubCalls, SubCall{To: to, Value: sc.Value, Input: sc.Input})
	}

	signingHash := signingHash(body)

	sender, err := recoverSigner(signingHash, body.V, body.R, body.S)
	if err != nil {
		return nil, apperr.TxInvalid("BadSenderSig", err.Error())
	}
	d.Sender = sender

	if body.FeePayerSet {
		payer, err := recoverSigner(signingHash, body.FeePayerV, body.FeePayerR, body.FeePayerS)
		if err != nil {
			return nil, apperr.TxInvalid("BadFeePayerSig", err.Error())
		}
		d.FeePayer = &payer
	}

	d.TxHash = chainmodel.Hash(crypto.Keccak256Hash(raw))
	return d, nil
}

// signingHash hashes every field except the signatures themselves, so both
// the sender and an optional fee payer sign over the same canonical body.
func signingHash(body rlpBody) []byte {
	unsigned := body
	unsigned.V, unsigned.R, unsigned.S = nil, nil, nil
	unsigned.FeePayerSet, unsigned.FeePayerV, unsigned.FeePayerR, unsigned.FeePayerS = false, nil, nil, nil
	enc, err := rlp.EncodeToBytes(&unsigned)
	if err != nil {
		// EncodeToBytes only fails on unsupported types; body is entirely
		// built from primitives and byte slices, so this cannot happen.
		panic("txcodec: unreachable rlp encode failure: " + err.Error())
	}
	return crypto.Keccak256(enc)
}

// recoverSigner recovers the secp256k1 public key that produced (v, r, s)
// over hash and returns its address.
func recoverSigner(hash []byte, v, r, s *big.Int) (chainmodel.Address, error) {
	if v == nil || r == nil || s == nil {
		return chainmodel.Address{}, errMissingSig
	}
	sig := make([]byte, 65)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	recID := normalizeRecoveryID(v)
	if recID > 3 {
		return chainmodel.Address{}, errBadRecoveryID
	}
	sig[64] = recID

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return chainmodel.Address{}, err
	}
	return chainmodel.Address(crypto.PubkeyToAddress(*pub)), nil
}

// normalizeRecoveryID accepts both the raw {0,1} recovery id and Ethereum's
// legacy {27,28} convention.
func normalizeRecoveryID(v *big.Int) byte {
	b := v.Uint64()
	if b >= 27 {
		b -= 27
	}
	return byte(b)
}
