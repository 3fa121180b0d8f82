// Package api is the relay's HTTP surface: a chi router exposing
// the JSON-RPC relay endpoint, the REST transaction/group endpoints, and a
// health probe. Every handler translates an apperr.Error into its HTTP or
// JSON-RPC code at this boundary only — internal packages never know about
// status codes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"watchtower/internal/chainmodel"
	"watchtower/internal/ingest"
	"watchtower/internal/store"
)

// Ingest is the narrow slice of ingest.Ingest the API needs.
type Ingest interface {
	SubmitRaw(ctx context.Context, chainIDExpected *uint64, raw []byte) (ingest.SubmitResult, error)
	MarkStale(ctx context.Context, txHash chainmodel.Hash, chainID *uint64) (chainmodel.Record, error)
	CancelGroup(ctx context.Context, sender chainmodel.Address, groupID chainmodel.GroupID, chainID *uint64, signature []byte) (int, []chainmodel.Hash, error)
}

// Store is the narrow slice of store.Store the API needs for direct reads.
type Store interface {
	Get(ctx context.Context, txHash chainmodel.Hash, chainID *uint64) (chainmodel.Record, error)
	List(ctx context.Context, f store.Filter) ([]chainmodel.Record, error)
	Group(ctx context.Context, chainID uint64, sender chainmodel.Address, groupID chainmodel.GroupID) (chainmodel.Group, error)
}

// Accelerator is the narrow slice the health probe needs.
type Accelerator interface {
	Due(ctx context.Context, chainID uint64, now int64, max int) ([]chainmodel.Hash, error)
}

// Scheduler is the narrow slice of scheduler.Scheduler the /health ambient
// counters need. Optional: a nil Scheduler just omits the counter.
type Scheduler interface {
	InFlight() int
}

// Watcher is the narrow slice of watcher.Watcher the /health ambient
// counters need. Optional: a nil Watcher just omits the counter.
type Watcher interface {
	LastPollAt(chainID uint64) (int64, bool)
}

// Server holds everything the HTTP handlers need, wired once at startup.
type Server struct {
	ingest       Ingest
	store        Store
	accel        Accelerator
	sched        Scheduler
	watch        Watcher
	chains       []uint64
	maxBodyBytes int64
	log          *logrus.Entry
}

// New builds a Server. chains lists every configured chain id; /health uses
// it to probe the Accelerator and to report each chain's watcher poll age.
func New(ing Ingest, st Store, accel Accelerator, chains []uint64, maxBodyBytes int64, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Server{ingest: ing, store: st, accel: accel, chains: chains, maxBodyBytes: maxBodyBytes, log: log.WithField("component", "api")}
}

// SetScheduler wires the Scheduler whose in-flight lease count /health
// reports. Ambient observability only; the API works without it.
func (s *Server) SetScheduler(sched Scheduler) {
	s.sched = sched
}

// SetWatcher wires the Watcher whose last-poll age /health reports.
// Ambient observability only; the API works without it.
func (s *Server) SetWatcher(watch Watcher) {
	s.watch = watch
}

// Router builds the chi router for this Server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequest)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.limitBody)

	r.Post("/rpc", s.handleRPC)
	r.Route("/v1/transactions", func(r chi.Router) {
		r.Post("/", s.handleSubmitBatch)
		r.Get("/", s.handleListTransactions)
		r.Get("/{hash}", s.handleGetTransaction)
		r.Delete("/{hash}", s.handleMarkStale)
	})
	r.Get("/v1/groups", s.handleListGroups)
	r.Get("/v1/senders/{sender}/groups/{groupId}", s.handleGroupDetail)
	r.Post("/v1/senders/{sender}/groups/{groupId}/cancel", s.handleCancelGroup)
	r.Get("/health", s.handleHealth)

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("incoming request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
