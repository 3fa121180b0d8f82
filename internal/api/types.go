package api

import (
	"encoding/hex"
	"strings"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
	"watchtower/internal/ingest"
	"watchtower/internal/txcodec"
)

func hexEncode(b []byte) string { return "0x" + hex.EncodeToString(b) }

func hexDecodeFixed(s string, n int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.Malformed("MalformedHex", "not valid hex: "+err.Error())
	}
	if len(b) != n {
		return nil, apperr.Malformed("MalformedHex", "wrong byte length")
	}
	return b, nil
}

func parseHash(s string) (chainmodel.Hash, error) {
	b, err := hexDecodeFixed(s, 32)
	if err != nil {
		return chainmodel.Hash{}, err
	}
	var h chainmodel.Hash
	copy(h[:], b)
	return h, nil
}

func parseAddress(s string) (chainmodel.Address, error) {
	b, err := hexDecodeFixed(s, 20)
	if err != nil {
		return chainmodel.Address{}, err
	}
	var a chainmodel.Address
	copy(a[:], b)
	return a, nil
}

func parseGroupID(s string) (chainmodel.GroupID, error) {
	b, err := hexDecodeFixed(s, 16)
	if err != nil {
		return chainmodel.GroupID{}, err
	}
	var g chainmodel.GroupID
	copy(g[:], b)
	return g, nil
}

func parseRawTx(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.Malformed("MalformedHex", "raw transaction is not valid hex: "+err.Error())
	}
	return b, nil
}

// TxSubmitResult is the per-item submission response from both
// eth_sendRawTransaction and the batch POST /v1/transactions endpoint.
type TxSubmitResult struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	Sender       string `json:"sender,omitempty"`
	NonceKey     string `json:"nonceKey,omitempty"`
	Nonce        uint64 `json:"nonce,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
	EligibleAt   int64  `json:"eligibleAt,omitempty"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	Status       string `json:"status,omitempty"`
	AlreadyKnown bool   `json:"alreadyKnown,omitempty"`
}

func submitResultOK(r ingest.SubmitResult) TxSubmitResult {
	out := TxSubmitResult{
		OK:           true,
		TxHash:       r.TxHash.String(),
		Sender:       r.Sender.String(),
		NonceKey:     hexEncode(r.NonceKey[:]),
		Nonce:        r.Nonce,
		EligibleAt:   r.EligibleAt,
		ExpiresAt:    r.ExpiresAt,
		Status:       string(r.Status),
		AlreadyKnown: r.AlreadyKnown,
	}
	if r.GroupID != nil {
		out.GroupID = r.GroupID.String()
	}
	return out
}

func submitResultErr(err error) TxSubmitResult {
	_, _, msg := classify(err)
	return TxSubmitResult{OK: false, Error: msg}
}

// TxInfo is the read model for a persisted transaction row.
// GasLimit/GasPrice/Value/To/Input are decoded from RawTx on read and
// omitted once a row's raw_tx has been cleared (local cancellation).
type TxInfo struct {
	ChainID         uint64 `json:"chainId"`
	TxHash          string `json:"txHash"`
	Sender          string `json:"sender"`
	FeePayer        string `json:"feePayer,omitempty"`
	NonceKey        string `json:"nonceKey"`
	Nonce           uint64 `json:"nonce"`
	ValidAfter      *int64 `json:"validAfter,omitempty"`
	ValidBefore     *int64 `json:"validBefore,omitempty"`
	EligibleAt      int64  `json:"eligibleAt"`
	ExpiresAt       *int64 `json:"expiresAt,omitempty"`
	Status          string `json:"status"`
	GroupID         string `json:"groupId,omitempty"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"lastError,omitempty"`
	LastBroadcastAt *int64 `json:"lastBroadcastAt,omitempty"`
	Receipt         string `json:"receipt,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`

	Type     string `json:"type,omitempty"`
	GasLimit uint64 `json:"gas,omitempty"`
	GasPrice uint64 `json:"gasPrice,omitempty"`
	To       string `json:"to,omitempty"`
	Value    uint64 `json:"value,omitempty"`
	Input    string `json:"input,omitempty"`
}

func txInfoOf(rec chainmodel.Record) TxInfo {
	out := TxInfo{
		ChainID:         rec.ChainID,
		TxHash:          rec.TxHash.String(),
		Sender:          rec.Sender.String(),
		NonceKey:        hexEncode(rec.NonceKey[:]),
		Nonce:           rec.Nonce,
		ValidAfter:      rec.ValidAfter,
		ValidBefore:     rec.ValidBefore,
		EligibleAt:      rec.EligibleAt,
		ExpiresAt:       rec.ExpiresAt,
		Status:          string(rec.Status),
		Attempts:        rec.Attempts,
		LastError:       rec.LastError,
		LastBroadcastAt: rec.LastBroadcastAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.FeePayer != nil {
		out.FeePayer = rec.FeePayer.String()
	}
	if rec.GroupID != nil {
		out.GroupID = rec.GroupID.String()
	}
	if len(rec.Receipt) > 0 {
		out.Receipt = string(rec.Receipt)
	}
	if len(rec.RawTx) > 0 {
		if d, err := txcodec.Decode(rec.RawTx, txcodec.Options{Now: rec.EligibleAt}); err == nil {
			out.Type = decodedTypeName(d.Type)
			out.GasLimit = d.GasLimit
			out.GasPrice = d.GasPrice
			out.To = d.To.String()
			out.Value = d.Value
			out.Input = hexEncode(d.Input)
		}
	}
	return out
}

func decodedTypeName(t txcodec.Type) string {
	switch t {
	case txcodec.TypeBatch:
		return "batch"
	default:
		return "simple"
	}
}

// GroupInfo is the read model for a derived group.
type GroupInfo struct {
	ChainID       uint64   `json:"chainId"`
	Sender        string   `json:"sender"`
	GroupID       string   `json:"groupId"`
	NonceKey      string   `json:"nonceKey"`
	StartAt       int64    `json:"startAt"`
	EndAt         int64    `json:"endAt"`
	NextPaymentAt *int64   `json:"nextPaymentAt,omitempty"`
	Members       []TxInfo `json:"members"`
}

func groupInfoOf(g chainmodel.Group) GroupInfo {
	out := GroupInfo{
		ChainID:       g.ChainID,
		Sender:        g.Sender.String(),
		GroupID:       g.GroupID.String(),
		NonceKey:      hexEncode(g.NonceKey[:]),
		StartAt:       g.StartAt,
		EndAt:         g.EndAt,
		NextPaymentAt: g.NextPaymentAt,
	}
	for _, m := range g.Members {
		out.Members = append(out.Members, txInfoOf(m))
	}
	return out
}

// CancelPlanMember describes one group member's role in a prospective cancel.
type CancelPlanMember struct {
	TxHash             string `json:"txHash"`
	Nonce              uint64 `json:"nonce"`
	AlreadyInvalidated bool   `json:"alreadyInvalidated"`
}

// CancelPlan accompanies GroupInfo on the group-detail endpoint.
type CancelPlan struct {
	NonceKey string             `json:"nonceKey"`
	Members  []CancelPlanMember `json:"members"`
}

func cancelPlanOf(g chainmodel.Group) CancelPlan {
	plan := CancelPlan{NonceKey: hexEncode(g.NonceKey[:])}
	for _, m := range g.Members {
		plan.Members = append(plan.Members, CancelPlanMember{
			TxHash:             m.TxHash.String(),
			Nonce:              m.Nonce,
			AlreadyInvalidated: m.Status.Terminal(),
		})
	}
	return plan
}

// parseStatuses converts repeated ?status= query values into chainmodel.Status.
func parseStatuses(values []string) []chainmodel.Status {
	if len(values) == 0 {
		return nil
	}
	out := make([]chainmodel.Status, len(values))
	for i, v := range values {
		out[i] = chainmodel.Status(v)
	}
	return out
}
