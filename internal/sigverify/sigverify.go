// Package sigverify authorizes local-cancel requests: a raw signature over
// keccak256(group_id_16) must recover (or otherwise
// prove) the expected sender address. Three encodings are accepted:
//
//   - 65 raw bytes: legacy secp256k1 (r||s||v), recovered via go-ethereum's
//     crypto package, exactly as a plain Ethereum signature would be.
//   - a leading 0x01 byte: secp256k1 with an explicit type prefix, recovered
//     via decred's secp256k1 implementation instead of go-ethereum's. Each
//     encoding is checked by exactly one of the two implementations.
//   - a leading 0x02 byte: a P256/WebAuthn bundle, verified by a capability
//     supplied at construction time (this package has no opinion on how
//     WebAuthn credentials are stored).
package sigverify

import (
	"context"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
)

const (
	prefixSecp256k1Explicit byte = 0x01
	prefixP256WebAuthn      byte = 0x02
)

// WebAuthnVerifier is the capability injected at construction time for the
// 0x02 signature path. bundle is everything after the leading 0x02 byte;
// its internal layout (authenticatorData, clientDataJSON, signature) is
// defined by the chain's own WebAuthn signature format and is opaque to
// this package.
type WebAuthnVerifier interface {
	Verify(ctx context.Context, digest [32]byte, bundle []byte, expected chainmodel.Address) error
}

// Verifier checks cancel-authorization signatures.
type Verifier struct {
	webauthn WebAuthnVerifier
}

// New builds a Verifier. webauthn may be nil if 0x02 signatures are never
// expected to arrive; such signatures then always fail Unauthorized.
func New(webauthn WebAuthnVerifier) *Verifier {
	return &Verifier{webauthn: webauthn}
}

// Digest computes keccak256(group_id_16), the value every cancel signature
// is made over.
func Digest(groupID chainmodel.GroupID) [32]byte {
	return ethcrypto.Keccak256Hash(groupID[:])
}

// Verify authorizes sig as proof that expected controls groupID's cancel
// right. It returns a *apperr.Error with Kind KindClientUnauthorized on any
// failure to verify, never a bare transport error.
func (v *Verifier) Verify(ctx context.Context, sig []byte, groupID chainmodel.GroupID, expected chainmodel.Address) error {
	digest := Digest(groupID)

	switch {
	case len(sig) == 65:
		return v.verifyLegacySecp256k1(digest, sig, expected)
	case len(sig) >= 1 && sig[0] == prefixSecp256k1Explicit:
		return v.verifyExplicitSecp256k1(digest, sig[1:], expected)
	case len(sig) >= 1 && sig[0] == prefixP256WebAuthn:
		return v.verifyWebAuthn(ctx, digest, sig[1:], expected)
	default:
		return apperr.Unauthorized("Unauthorized", "unrecognised signature encoding")
	}
}

func (v *Verifier) verifyLegacySecp256k1(digest [32]byte, sig []byte, expected chainmodel.Address) error {
	pub, err := ethcrypto.SigToPub(digest[:], normalizeRecoveryByte(sig))
	if err != nil {
		return apperr.Unauthorized("Unauthorized", "legacy secp256k1 recovery failed: "+err.Error())
	}
	got := chainmodel.Address(ethcrypto.PubkeyToAddress(*pub))
	if got != expected {
		return apperr.Unauthorized("Unauthorized", "recovered address does not match sender")
	}
	return nil
}

// verifyExplicitSecp256k1 expects body to be the same r||s||v layout as the
// legacy path but recovers using decred's independent secp256k1
// implementation rather than go-ethereum's.
func (v *Verifier) verifyExplicitSecp256k1(digest [32]byte, body []byte, expected chainmodel.Address) error {
	if len(body) != 65 {
		return apperr.Unauthorized("Unauthorized", "explicit secp256k1 signature must be 65 bytes")
	}
	normalized := normalizeRecoveryByte(body)
	// decred's RecoverCompact expects a leading recovery byte, not a
	// trailing one; its encoding is compact[0]=27+recID(+4 if compressed).
	compact := make([]byte, 65)
	compact[0] = 27 + normalized[64]
	copy(compact[1:], normalized[:64])

	pub, _, err := secp256k1.RecoverCompact(compact, digest[:])
	if err != nil {
		return apperr.Unauthorized("Unauthorized", "secp256k1 recovery failed: "+err.Error())
	}
	got := pubkeyToAddress(pub)
	if got != expected {
		return apperr.Unauthorized("Unauthorized", "recovered address does not match sender")
	}
	return nil
}

func (v *Verifier) verifyWebAuthn(ctx context.Context, digest [32]byte, bundle []byte, expected chainmodel.Address) error {
	if v.webauthn == nil {
		return apperr.Unauthorized("Unauthorized", "no webauthn verifier configured")
	}
	if err := v.webauthn.Verify(ctx, digest, bundle, expected); err != nil {
		return apperr.Unauthorized("Unauthorized", "webauthn verification failed: "+err.Error())
	}
	return nil
}

// normalizeRecoveryByte accepts both the raw {0,1} and legacy {27,28}
// recovery-id conventions and returns a copy with the trailing byte in
// go-ethereum's expected {0,1} range.
func normalizeRecoveryByte(sig []byte) []byte {
	out := append([]byte(nil), sig...)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}

// pubkeyToAddress derives a 20-byte address from an uncompressed secp256k1
// public key the same way Ethereum does: keccak256(pubkey_bytes)[12:].
func pubkeyToAddress(pub *secp256k1.PublicKey) chainmodel.Address {
	uncompressed := pub.SerializeUncompressed()[1:] // drop the 0x04 prefix
	hash := ethcrypto.Keccak256(uncompressed)
	var addr chainmodel.Address
	copy(addr[:], hash[12:])
	return addr
}
