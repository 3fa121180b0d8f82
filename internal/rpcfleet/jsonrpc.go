package rpcfleet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (f *Fleet) call(ctx context.Context, es *endpointState, method string, params []any) (json.RawMessage, error) {
	if err := f.waitLimiter(ctx, es); err != nil {
		return nil, err
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, apperr.Wrap(err, "marshal rpc request")
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, es.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := es.client.Do(req)
	if err != nil {
		f.record(es, 0, err)
		return nil, apperr.Transient("RPCUnreachable", method+": "+err.Error())
	}
	defer resp.Body.Close()

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		f.record(es, 0, err)
		return nil, apperr.Transient("RPCBadResponse", method+": "+err.Error())
	}
	f.record(es, time.Since(start), nil)

	if out.Error != nil {
		if alreadyKnown(out.Error.Message) {
			return out.Result, nil
		}
		return nil, classifyRPCError(*out.Error)
	}
	return out.Result, nil
}

// alreadyKnown reports whether an endpoint's error message means "I already
// have this transaction in my mempool" rather than a rejection. Most
// Ethereum-compatible clients surface a resubmit of a pending transaction
// this way instead of an empty success result.
func alreadyKnown(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// classifyRPCError maps a JSON-RPC error into the apperr taxonomy the rest
// of the system understands, using the same substring heuristics most
// Ethereum-compatible clients' error strings make necessary. Callers check
// alreadyKnown before reaching here; this never sees that case.
func classifyRPCError(e rpcError) error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "nonce too low"):
		return apperr.TxInvalid("NonceTooLow", e.Message)
	case strings.Contains(msg, "insufficient funds"):
		return apperr.TxInvalid("InsufficientFunds", e.Message)
	case strings.Contains(msg, "invalid signature"), strings.Contains(msg, "malformed"):
		return apperr.TxInvalid("MalformedTx", e.Message)
	default:
		return apperr.Transient("RPCError", e.Message)
	}
}

// BroadcastOutcome classifies one endpoint's response to a submitted
// transaction.
type BroadcastOutcome int

const (
	OutcomeTransient BroadcastOutcome = iota
	OutcomeAccepted
	OutcomeFatal
)

// BroadcastResult is one endpoint's outcome.
type BroadcastResult struct {
	Endpoint string
	Outcome  BroadcastOutcome
	Err      error
}

// Broadcast fans raw out to up to fanout of chainID's healthiest endpoints
// in parallel. It never cancels peers early on a first acceptance: an
// "accepted" response may precede actual inclusion, and fan-out is cheap.
func (f *Fleet) Broadcast(ctx context.Context, chainID uint64, raw []byte, fanout int) []BroadcastResult {
	targets := f.ranked(chainID)
	if fanout > 0 && len(targets) > fanout {
		targets = targets[:fanout]
	}

	results := make([]BroadcastResult, len(targets))
	done := make(chan int, len(targets))
	hexRaw := "0x" + hex.EncodeToString(raw)

	for i, es := range targets {
		go func(i int, es *endpointState) {
			_, err := f.call(ctx, es, "eth_sendRawTransaction", []any{hexRaw})
			res := BroadcastResult{Endpoint: es.url}
			switch {
			case err == nil:
				res.Outcome = OutcomeAccepted
			default:
				if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindTxInvalid {
					res.Outcome = OutcomeFatal
				} else {
					res.Outcome = OutcomeTransient
				}
				res.Err = err
			}
			results[i] = res
			done <- i
		}(i, es)
	}
	for range targets {
		<-done
	}
	return results
}

// NonceAt fetches the latest known transaction count for addr, the value
// Watcher caches and Ingest's mark_stale compares against.
func (f *Fleet) NonceAt(ctx context.Context, chainID uint64, addr chainmodel.Address) (uint64, error) {
	targets := f.ranked(chainID)
	if len(targets) == 0 {
		return 0, apperr.Transient("NoEndpoints", fmt.Sprintf("chain %d has no configured rpc endpoints", chainID))
	}
	addrHex := "0x" + hex.EncodeToString(addr[:])
	result, err := f.call(ctx, targets[0], "eth_getTransactionCount", []any{addrHex, "latest"})
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return 0, apperr.Wrap(err, "decode nonce result")
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(hexStr, "0x"), 16, 64)
	if err != nil {
		return 0, apperr.Wrap(err, "parse nonce hex")
	}
	return n, nil
}

// Receipt fetches a transaction's receipt, if it exists yet.
func (f *Fleet) Receipt(ctx context.Context, chainID uint64, txHash chainmodel.Hash) (json.RawMessage, bool, error) {
	targets := f.ranked(chainID)
	if len(targets) == 0 {
		return nil, false, apperr.Transient("NoEndpoints", fmt.Sprintf("chain %d has no configured rpc endpoints", chainID))
	}
	hashHex := "0x" + hex.EncodeToString(txHash[:])
	result, err := f.call(ctx, targets[0], "eth_getTransactionReceipt", []any{hashHex})
	if err != nil {
		return nil, false, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, false, nil
	}
	return result, true, nil
}
