package sigverify

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func addressOf(key *ecdsa.PrivateKey) chainmodel.Address {
	return chainmodel.Address(crypto.PubkeyToAddress(key.PublicKey))
}

func someGroupID() chainmodel.GroupID {
	var g chainmodel.GroupID
	for i := range g {
		g[i] = byte(i * 7)
	}
	return g
}

func TestVerify_LegacySecp256k1_Accepts(t *testing.T) {
	key := mustKey(t)
	gid := someGroupID()
	digest := Digest(gid)

	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	v := New(nil)
	require.NoError(t, v.Verify(context.Background(), sig, gid, addressOf(key)))
}

func TestVerify_LegacySecp256k1_WrongSenderRejected(t *testing.T) {
	key := mustKey(t)
	other := mustKey(t)
	gid := someGroupID()
	digest := Digest(gid)

	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	v := New(nil)
	err = v.Verify(context.Background(), sig, gid, addressOf(other))
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindClientUnauthorized, ae.Kind)
}

func TestVerify_ExplicitSecp256k1_Accepts(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	gid := someGroupID()
	digest := Digest(gid)

	compact := secp256k1.SignCompact(priv, digest[:], false)
	// compact[0] is 27+recID(+4); body layout here is r||s||v.
	recID := compact[0] - 27
	body := make([]byte, 65)
	copy(body[:64], compact[1:])
	body[64] = recID

	sig := append([]byte{prefixSecp256k1Explicit}, body...)

	expected := pubkeyToAddress(priv.PubKey())

	v := New(nil)
	require.NoError(t, v.Verify(context.Background(), sig, gid, expected))
}

func TestVerify_UnknownEncodingRejected(t *testing.T) {
	v := New(nil)
	err := v.Verify(context.Background(), []byte{0x9, 0x9, 0x9}, someGroupID(), chainmodel.Address{})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindClientUnauthorized, ae.Kind)
}

type stubWebAuthn struct {
	err error
}

func (s stubWebAuthn) Verify(ctx context.Context, digest [32]byte, bundle []byte, expected chainmodel.Address) error {
	return s.err
}

func TestVerify_WebAuthn_DelegatesToCapability(t *testing.T) {
	v := New(stubWebAuthn{err: nil})
	sig := append([]byte{prefixP256WebAuthn}, []byte("opaque-bundle")...)
	require.NoError(t, v.Verify(context.Background(), sig, someGroupID(), chainmodel.Address{}))
}

func TestVerify_WebAuthn_NoCapabilityConfiguredRejects(t *testing.T) {
	v := New(nil)
	sig := append([]byte{prefixP256WebAuthn}, []byte("opaque-bundle")...)
	err := v.Verify(context.Background(), sig, someGroupID(), chainmodel.Address{})
	require.Error(t, err)
}

func TestVerify_WebAuthn_CapabilityFailureRejects(t *testing.T) {
	v := New(stubWebAuthn{err: apperr.Unauthorized("BadAssertion", "signature count did not advance")})
	sig := append([]byte{prefixP256WebAuthn}, []byte("opaque-bundle")...)
	err := v.Verify(context.Background(), sig, someGroupID(), chainmodel.Address{})
	require.Error(t, err)
}

func TestDigest_Deterministic(t *testing.T) {
	gid := someGroupID()
	require.Equal(t, Digest(gid), Digest(gid))
}
