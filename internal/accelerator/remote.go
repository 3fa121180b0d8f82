// Remote backend: a gorilla/mux-routed loopback service wrapping an
// InMemory Accelerator, plus an HTTP client that satisfies the same
// Accelerator interface. This lets accelerator.url in config point at a
// real network service without Watchtower's core logic caring whether the
// backend is in-process or remote; tests exercise the "remote" code path
// against RemoteServer over a real (loopback) listener rather than mocking
// the interface away.
package accelerator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"watchtower/internal/chainmodel"
)

// RemoteServer exposes an InMemory Accelerator over HTTP.
type RemoteServer struct {
	backend *InMemory
	router  *mux.Router
}

// NewRemoteServer builds the HTTP handler; backend may be shared with other
// owners for inspection in tests.
func NewRemoteServer(backend *InMemory) *RemoteServer {
	s := &RemoteServer{backend: backend, router: mux.NewRouter()}
	s.router.HandleFunc("/ready", s.handlePushReady).Methods(http.MethodPost)
	s.router.HandleFunc("/retry", s.handlePushRetry).Methods(http.MethodPost)
	s.router.HandleFunc("/due", s.handleDue).Methods(http.MethodGet)
	s.router.HandleFunc("/remove", s.handleRemove).Methods(http.MethodPost)
	return s
}

func (s *RemoteServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type pushRequest struct {
	ChainID uint64          `json:"chainId"`
	Hash    chainmodel.Hash `json:"hash"`
	Score   int64           `json:"score"`
}

func (s *RemoteServer) handlePushReady(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = s.backend.PushReady(r.Context(), req.ChainID, req.Hash, req.Score)
	w.WriteHeader(http.StatusNoContent)
}

func (s *RemoteServer) handlePushRetry(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = s.backend.PushRetry(r.Context(), req.ChainID, req.Hash, req.Score)
	w.WriteHeader(http.StatusNoContent)
}

func (s *RemoteServer) handleDue(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(r.URL.Query().Get("chainId"), 10, 64)
	if err != nil {
		http.Error(w, "bad chainId", http.StatusBadRequest)
		return
	}
	now, _ := strconv.ParseInt(r.URL.Query().Get("now"), 10, 64)
	max, _ := strconv.Atoi(r.URL.Query().Get("max"))

	hashes, err := s.backend.Due(r.Context(), chainID, now, max)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hashes)
}

type removeRequest struct {
	ChainID uint64          `json:"chainId"`
	Hash    chainmodel.Hash `json:"hash"`
}

func (s *RemoteServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = s.backend.Remove(r.Context(), req.ChainID, req.Hash)
	w.WriteHeader(http.StatusNoContent)
}

// RemoteClient talks to a RemoteServer (or any compatible backend) over
// HTTP. A push failure is reported to the caller, who logs it and proceeds
// without failing the operation, since the Accelerator is only a hint.
type RemoteClient struct {
	baseURL string
	http    *http.Client
}

// NewRemoteClient builds a client against baseURL (e.g. "http://localhost:9090").
func NewRemoteClient(baseURL string, httpClient *http.Client) *RemoteClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteClient{baseURL: baseURL, http: httpClient}
}

func (c *RemoteClient) PushReady(ctx context.Context, chainID uint64, hash chainmodel.Hash, eligibleAt int64) error {
	return c.post(ctx, "/ready", pushRequest{ChainID: chainID, Hash: hash, Score: eligibleAt})
}

func (c *RemoteClient) PushRetry(ctx context.Context, chainID uint64, hash chainmodel.Hash, nextRetryAt int64) error {
	return c.post(ctx, "/retry", pushRequest{ChainID: chainID, Hash: hash, Score: nextRetryAt})
}

func (c *RemoteClient) Due(ctx context.Context, chainID uint64, now int64, max int) ([]chainmodel.Hash, error) {
	url := fmt.Sprintf("%s/due?chainId=%d&now=%d&max=%d", c.baseURL, chainID, now, max)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("accelerator: due returned %d", resp.StatusCode)
	}
	var hashes []chainmodel.Hash
	if err := json.NewDecoder(resp.Body).Decode(&hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

func (c *RemoteClient) Remove(ctx context.Context, chainID uint64, hash chainmodel.Hash) error {
	return c.post(ctx, "/remove", removeRequest{ChainID: chainID, Hash: hash})
}

func (c *RemoteClient) post(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("accelerator: %s returned %d", path, resp.StatusCode)
	}
	return nil
}
