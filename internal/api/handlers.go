package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
	"watchtower/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondErr(w http.ResponseWriter, err error) {
	kind, code, msg := classify(err)
	writeJSON(w, httpStatus(kind), errorBody{Error: msg, Code: code})
}

// --- JSON-RPC 2.0 (POST /rpc) ---

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

func rpcErrorResponse(id json.RawMessage, code int, msg string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcErrorResponse(nil, rpcCodeInvalidRequest, "invalid JSON-RPC request"))
		return
	}
	if req.Method != "eth_sendRawTransaction" {
		writeJSON(w, http.StatusOK, rpcErrorResponse(req.ID, rpcCodeMethodNotFound, "unknown method"))
		return
	}

	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 {
		writeJSON(w, http.StatusOK, rpcErrorResponse(req.ID, rpcCodeInvalidParams, "params must be [rawTxHex]"))
		return
	}

	raw, err := parseRawTx(params[0])
	if err != nil {
		writeJSON(w, http.StatusOK, rpcErrorResponse(req.ID, rpcCodeInvalidParams, err.Error()))
		return
	}

	result, err := s.ingest.SubmitRaw(r.Context(), nil, raw)
	if err != nil {
		kind, _, msg := classify(err)
		writeJSON(w, http.StatusOK, rpcErrorResponse(req.ID, jsonrpcCode(kind), msg))
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result.TxHash.String()})
}

// --- POST /v1/transactions (batch submit) ---

type batchSubmitRequest struct {
	ChainID      uint64   `json:"chainId"`
	Transactions []string `json:"transactions"`
}

type batchSubmitResponse struct {
	Results []TxSubmitResult `json:"results"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, apperr.Malformed("MalformedJSON", "invalid request body"))
		return
	}

	resp := batchSubmitResponse{Results: make([]TxSubmitResult, len(req.Transactions))}
	for i, hexTx := range req.Transactions {
		raw, err := parseRawTx(hexTx)
		if err != nil {
			resp.Results[i] = submitResultErr(err)
			continue
		}
		chainID := req.ChainID
		result, err := s.ingest.SubmitRaw(r.Context(), &chainID, raw)
		if err != nil {
			resp.Results[i] = submitResultErr(err)
			continue
		}
		resp.Results[i] = submitResultOK(result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /v1/transactions/{hash} ---

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		respondErr(w, err)
		return
	}
	chainID, err := optionalChainID(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	rec, err := s.store.Get(r.Context(), hash, chainID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txInfoOf(rec))
}

// --- DELETE /v1/transactions/{hash} (mark_stale) ---

func (s *Server) handleMarkStale(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		respondErr(w, err)
		return
	}
	chainID, err := optionalChainID(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	rec, err := s.ingest.MarkStale(r.Context(), hash, chainID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txInfoOf(rec))
}

// --- GET /v1/transactions (list) ---

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Statuses: parseStatuses(q["status"])}

	if v := q.Get("chainId"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondErr(w, apperr.Malformed("MalformedChainID", "chainId must be a uint64"))
			return
		}
		f.ChainID = &id
	}
	if v := q.Get("sender"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			respondErr(w, err)
			return
		}
		f.Sender = &addr
	}
	if q.Get("ungrouped") == "true" {
		f.Ungrouped = true
	} else if v := q.Get("groupId"); v != "" {
		gid, err := parseGroupID(v)
		if err != nil {
			respondErr(w, err)
			return
		}
		f.GroupID = &gid
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondErr(w, apperr.Malformed("MalformedLimit", "limit must be an integer"))
			return
		}
		f.Limit = n
	}

	recs, err := s.store.List(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]TxInfo, len(recs))
	for i, rec := range recs {
		out[i] = txInfoOf(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- GET /v1/groups ---

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Limit: 500}

	if v := q.Get("chainId"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondErr(w, apperr.Malformed("MalformedChainID", "chainId must be a uint64"))
			return
		}
		f.ChainID = &id
	}
	if v := q.Get("sender"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			respondErr(w, err)
			return
		}
		f.Sender = &addr
	}

	recs, err := s.store.List(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}

	now := chainmodel.Now()
	activeOnly := q.Get("active") == "true"

	type groupKey struct {
		chainID uint64
		sender  chainmodel.Address
		groupID chainmodel.GroupID
	}
	buckets := make(map[groupKey][]chainmodel.Record)
	var order []groupKey
	for _, rec := range recs {
		if rec.GroupID == nil {
			continue
		}
		k := groupKey{chainID: rec.ChainID, sender: rec.Sender, groupID: *rec.GroupID}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], rec)
	}

	out := make([]GroupInfo, 0, len(order))
	for _, k := range order {
		g := chainmodel.Derive(k.chainID, k.sender, k.groupID, buckets[k])
		if activeOnly && g.EndAt < now {
			continue
		}
		out = append(out, groupInfoOf(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- GET /v1/senders/{sender}/groups/{groupId} ---

type groupDetailResponse struct {
	GroupInfo
	CancelPlan CancelPlan `json:"cancelPlan"`
}

func (s *Server) handleGroupDetail(w http.ResponseWriter, r *http.Request) {
	sender, err := parseAddress(chi.URLParam(r, "sender"))
	if err != nil {
		respondErr(w, err)
		return
	}
	groupID, err := parseGroupID(chi.URLParam(r, "groupId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	chainID, err := requiredChainID(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	g, err := s.store.Group(r.Context(), *chainID, sender, groupID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupDetailResponse{GroupInfo: groupInfoOf(g), CancelPlan: cancelPlanOf(g)})
}

// --- POST /v1/senders/{sender}/groups/{groupId}/cancel ---

type cancelGroupResponse struct {
	Canceled int      `json:"canceled"`
	TxHashes []string `json:"txHashes"`
}

func (s *Server) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	sender, err := parseAddress(chi.URLParam(r, "sender"))
	if err != nil {
		respondErr(w, err)
		return
	}
	groupID, err := parseGroupID(chi.URLParam(r, "groupId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	chainID, err := optionalChainID(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	sig, err := parseSignatureHeader(r.Header.Get("Authorization"))
	if err != nil {
		respondErr(w, err)
		return
	}

	count, hashes, err := s.ingest.CancelGroup(r.Context(), sender, groupID, chainID, sig)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := cancelGroupResponse{Canceled: count, TxHashes: make([]string, len(hashes))}
	for i, h := range hashes {
		out.TxHashes[i] = h.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func parseSignatureHeader(header string) ([]byte, error) {
	const prefix = "Signature "
	if !strings.HasPrefix(header, prefix) {
		return nil, apperr.Unauthorized("MissingSignature", `Authorization header must be "Signature <hex>"`)
	}
	hexSig := strings.TrimPrefix(header, prefix)
	hexSig = strings.TrimPrefix(strings.TrimPrefix(hexSig, "0x"), "0X")
	raw, err := parseRawTx(hexSig)
	if err != nil {
		return nil, apperr.Unauthorized("MalformedSignature", "signature is not valid hex")
	}
	return raw, nil
}

// --- GET /health ---

type healthResponse struct {
	Status string `json:"status"`
	// QueuedCount is an approximate count of not-yet-terminal rows, capped
	// at the scan limit below; ambient observability, not an exact gauge.
	QueuedCount int `json:"queuedCount"`
	// InFlightLeases is omitted when no Scheduler was wired.
	InFlightLeases *int `json:"inFlightLeases,omitempty"`
	// WatcherPollAgeSeconds is the staleness of the watcher's oldest
	// last-completed poll across configured chains, omitted when no
	// Watcher was wired or it has not polled any chain yet.
	WatcherPollAgeSeconds *int64 `json:"watcherPollAgeSeconds,omitempty"`
}

const healthQueueScanLimit = 1000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := chainmodel.Now()
	recs, err := s.store.List(r.Context(), store.Filter{
		Statuses: []chainmodel.Status{
			chainmodel.StatusQueued,
			chainmodel.StatusBroadcasting,
			chainmodel.StatusRetryScheduled,
		},
		Limit: healthQueueScanLimit,
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	for _, chainID := range s.chains {
		if _, err := s.accel.Due(r.Context(), chainID, now, 1); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
			return
		}
	}

	resp := healthResponse{Status: "ok", QueuedCount: len(recs)}
	if s.sched != nil {
		n := s.sched.InFlight()
		resp.InFlightLeases = &n
	}
	if s.watch != nil {
		var oldestAge *int64
		for _, chainID := range s.chains {
			lastPoll, ok := s.watch.LastPollAt(chainID)
			if !ok {
				continue
			}
			age := now - lastPoll
			if oldestAge == nil || age > *oldestAge {
				oldestAge = &age
			}
		}
		resp.WatcherPollAgeSeconds = oldestAge
	}
	writeJSON(w, http.StatusOK, resp)
}

func optionalChainID(r *http.Request) (*uint64, error) {
	v := r.URL.Query().Get("chainId")
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, apperr.Malformed("MalformedChainID", "chainId must be a uint64")
	}
	return &id, nil
}

func requiredChainID(r *http.Request) (*uint64, error) {
	id, err := optionalChainID(r)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, apperr.Malformed("MissingChainID", "chainId query parameter is required")
	}
	return id, nil
}
