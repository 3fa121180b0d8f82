package txcodec

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
)

func addressOf(key *ecdsa.PrivateKey) chainmodel.Address {
	return chainmodel.Address(crypto.PubkeyToAddress(key.PublicKey))
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func sign(t *testing.T, key *ecdsa.PrivateKey, hash []byte) (v, r, s *big.Int) {
	t.Helper()
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	r = new(big.Int).SetBytes(sig[0:32])
	s = new(big.Int).SetBytes(sig[32:64])
	v = new(big.Int).SetUint64(uint64(sig[64]))
	return
}

func buildRaw(t *testing.T, typ Type, body rlpBody, senderKey *ecdsa.PrivateKey, feePayerKey *ecdsa.PrivateKey) []byte {
	t.Helper()
	h := signingHash(body)
	body.V, body.R, body.S = sign(t, senderKey, h)
	if feePayerKey != nil {
		body.FeePayerSet = true
		body.FeePayerV, body.FeePayerR, body.FeePayerS = sign(t, feePayerKey, h)
	}
	enc, err := rlp.EncodeToBytes(&body)
	require.NoError(t, err)
	return append([]byte{byte(typ)}, enc...)
}

func baseBody() rlpBody {
	return rlpBody{
		ChainID:     7,
		NonceKeyRaw: make([]byte, 32),
		Nonce:       5,
		GasLimit:    21000,
		GasPrice:    1,
		To:          make([]byte, 20),
		Value:       100,
	}
}

func TestDecode_SimpleTxRecoversSender(t *testing.T) {
	key := mustKey(t)
	raw := buildRaw(t, TypeSimple, baseBody(), key, nil)

	d, err := Decode(raw, Options{Now: 1000})
	require.NoError(t, err)
	require.Equal(t, addressOf(key), d.Sender)
	require.Equal(t, uint64(7), d.ChainID)
	require.Equal(t, uint64(5), d.Nonce)
	require.Nil(t, d.FeePayer)
}

func TestDecode_FeePayerRecovered(t *testing.T) {
	senderKey := mustKey(t)
	payerKey := mustKey(t)
	raw := buildRaw(t, TypeSimple, baseBody(), senderKey, payerKey)

	d, err := Decode(raw, Options{Now: 1000})
	require.NoError(t, err)
	require.NotNil(t, d.FeePayer)
	require.Equal(t, addressOf(payerKey), *d.FeePayer)
}

func TestDecode_ExpiredFailsWithExpiredCode(t *testing.T) {
	key := mustKey(t)
	body := baseBody()
	body.ValidBefore = 500
	raw := buildRaw(t, TypeSimple, body, key, nil)

	_, err := Decode(raw, Options{Now: 1000})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, "Expired", ae.Code)
}

func TestDecode_UnsupportedChainRejected(t *testing.T) {
	key := mustKey(t)
	raw := buildRaw(t, TypeSimple, baseBody(), key, nil)

	_, err := Decode(raw, Options{Now: 1000, ExpectedChainIDs: map[uint64]bool{99: true}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, "UnsupportedChain", ae.Code)
}

func TestDecode_UnknownTypeByteRejected(t *testing.T) {
	key := mustKey(t)
	raw := buildRaw(t, TypeSimple, baseBody(), key, nil)
	raw[0] = 0x7f

	_, err := Decode(raw, Options{Now: 1000})
	require.Error(t, err)
}

func TestDecode_TrailingGarbageRejected(t *testing.T) {
	key := mustKey(t)
	raw := buildRaw(t, TypeSimple, baseBody(), key, nil)
	raw = append(raw, 0xde, 0xad, 0xbe, 0xef)

	_, err := Decode(raw, Options{Now: 1000})
	require.Error(t, err)
}

func TestDecode_BatchRequiresSubCalls(t *testing.T) {
	key := mustKey(t)
	body := baseBody()
	body.To = nil
	raw := buildRaw(t, TypeBatch, body, key, nil)

	_, err := Decode(raw, Options{Now: 1000})
	require.Error(t, err)
}

func TestDecode_DeterministicHash(t *testing.T) {
	key := mustKey(t)
	raw := buildRaw(t, TypeSimple, baseBody(), key, nil)

	d1, err := Decode(raw, Options{Now: 1000})
	require.NoError(t, err)
	d2, err := Decode(raw, Options{Now: 1000})
	require.NoError(t, err)
	require.Equal(t, d1.TxHash, d2.TxHash)
}
