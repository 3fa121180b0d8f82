package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"watchtower/internal/accelerator"
	"watchtower/internal/chainmodel"
	"watchtower/internal/ingest"
	"watchtower/internal/store"
)

type fakeNonces struct {
	observed map[chainmodel.Address]uint64
}

func (f *fakeNonces) CachedNonce(chainID uint64, sender chainmodel.Address, nonceKey chainmodel.NonceKey) (uint64, bool) {
	n, ok := f.observed[sender]
	return n, ok
}

type fakeSig struct{ err error }

func (f *fakeSig) Verify(ctx context.Context, sig []byte, groupID chainmodel.GroupID, expected chainmodel.Address) error {
	return f.err
}

func newTestServer(t *testing.T) (*Server, *store.SQLStore, *accelerator.InMemory) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	accel := accelerator.New()
	ing := ingest.New(st, accel, &fakeNonces{observed: map[chainmodel.Address]uint64{}}, &fakeSig{}, nil, nil)
	return New(ing, st, accel, []uint64{1}, 0, nil), st, accel
}

// --- minimal RLP-signed-envelope helper, field-shape-matched to txcodec's ---

type rlpBody struct {
	ChainID     uint64
	NonceKeyRaw []byte
	Nonce       uint64
	ValidAfter  uint64
	ValidBefore uint64
	GasLimit    uint64
	GasPrice    uint64
	To          []byte
	Value       uint64
	Input       []byte
	SubCalls    []rlpSubCall
	V           *big.Int
	R           *big.Int
	S           *big.Int
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

func signingHash(body rlpBody) []byte {
	unsigned := body
	unsigned.V, unsigned.R, unsigned.S = nil, nil, nil
	enc, err := rlp.EncodeToBytes(&unsigned)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256(enc)
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func rawSimpleTx(t *testing.T, key *ecdsa.PrivateKey, chainID uint64) []byte {
	t.Helper()
	body := rlpBody{
		ChainID:     chainID,
		NonceKeyRaw: make([]byte, 32),
		Nonce:       5,
		GasLimit:    21000,
		GasPrice:    1,
		To:          make([]byte, 20),
		Value:       100,
	}
	h := signingHash(body)
	sig, err := crypto.Sign(h, key)
	require.NoError(t, err)
	body.R = new(big.Int).SetBytes(sig[0:32])
	body.S = new(big.Int).SetBytes(sig[32:64])
	body.V = new(big.Int).SetUint64(uint64(sig[64]))
	enc, err := rlp.EncodeToBytes(&body)
	require.NoError(t, err)
	return append([]byte{0x00}, enc...)
}

func TestHandleSubmitBatch_ResubmitIsAlreadyKnown(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()
	raw := rawSimpleTx(t, mustKey(t), 1)

	body, _ := json.Marshal(batchSubmitRequest{ChainID: 1, Transactions: []string{hexEncode(raw)}})
	req := httptest.NewRequest(http.MethodPost, "/v1/transactions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var first batchSubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Results, 1)
	require.True(t, first.Results[0].OK)
	require.False(t, first.Results[0].AlreadyKnown)

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/v1/transactions", bytes.NewReader(body)))
	var second batchSubmitResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))
	require.True(t, second.Results[0].AlreadyKnown)
}

func TestHandleGetTransaction_UnknownHashReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/"+hexEncode(make([]byte, 32)), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleMarkStale_NotStaleReturns400(t *testing.T) {
	srv, st, accel := newTestServer(t)
	router := srv.Router()

	key := mustKey(t)
	raw := rawSimpleTx(t, key, 1)
	var rec chainmodel.Record
	rec.ChainID = 1
	rec.Sender = chainmodel.Address(crypto.PubkeyToAddress(key.PublicKey))
	rec.RawTx = raw
	rec.Nonce = 5
	rec.Status = chainmodel.StatusQueued
	rec.EligibleAt = 1000
	rec.CreatedAt, rec.UpdatedAt = 1000, 1000
	rec.TxHash = chainmodel.Hash(crypto.Keccak256Hash(raw))
	_, _, err := st.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)

	srv.ingest = ingest.New(st, accel, &fakeNonces{observed: map[chainmodel.Address]uint64{rec.Sender: rec.Nonce}}, &fakeSig{}, nil, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/transactions/"+rec.TxHash.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCancelGroup_MissingSignatureHeaderReturns401(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	var sender chainmodel.Address
	var groupID chainmodel.GroupID
	path := "/v1/senders/" + sender.String() + "/groups/" + groupID.String() + "/cancel"
	req := httptest.NewRequest(http.MethodPost, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleHealth_ReportsOK(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleRPC_SubmitsRawTransaction(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()
	raw := rawSimpleTx(t, mustKey(t), 1)

	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_sendRawTransaction",
		"params":  []string{hexEncode(raw)},
		"id":      1,
	})
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	require.NotEmpty(t, resp.Result)
}

func TestHandleRPC_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params":  []string{},
		"id":      1,
	})
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeMethodNotFound, resp.Error.Code)
}
