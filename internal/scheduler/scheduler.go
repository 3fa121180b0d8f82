// Package scheduler is the relay's lease-driven Scheduler: the poll loop
// that pulls due work, hands it to the Broadcaster, and resolves the
// next state transition. Correctness rests on Store leases, never on the
// Accelerator, which is consulted only as a hint.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"watchtower/internal/apperr"
	"watchtower/internal/broadcaster"
	"watchtower/internal/chainmodel"
	"watchtower/internal/config"
	"watchtower/internal/store"
)

// Accelerator is the narrow slice of accelerator.Accelerator the Scheduler
// needs; accepted here as an interface so tests can substitute a fake
// without depending on the accelerator package's concrete type.
type Accelerator interface {
	Due(ctx context.Context, chainID uint64, now int64, max int) ([]chainmodel.Hash, error)
	PushRetry(ctx context.Context, chainID uint64, hash chainmodel.Hash, nextRetryAt int64) error
	Remove(ctx context.Context, chainID uint64, hash chainmodel.Hash) error
}

// Broadcaster is the narrow slice of broadcaster.Broadcaster the Scheduler
// needs.
type Broadcaster interface {
	Submit(ctx context.Context, chainID uint64, raw []byte) broadcaster.Result
}

// NonceChecker confirms a fatal nonce-too-low rejection against the chain's
// actual current nonce, the way rpcfleet.Fleet.NonceAt does.
type NonceChecker interface {
	NonceAt(ctx context.Context, chainID uint64, addr chainmodel.Address) (uint64, error)
}

// Scheduler runs one poll loop per configured chain.
type Scheduler struct {
	store   store.Store
	accel   Accelerator
	bcast   Broadcaster
	nonces  NonceChecker
	cfg     config.SchedulerConfig
	confirm time.Duration
	owner   string
	log     *logrus.Entry

	sem chan struct{}

	inFlightGauge prometheus.Gauge
	inFlightCount atomic.Int64
}

// New builds a Scheduler. confirmWindow is the short re-check delay used
// after at-least-one-endpoint acceptance; callers typically pass the
// Watcher's poll interval.
func New(st store.Store, accel Accelerator, bcast Broadcaster, nonces NonceChecker, cfg config.SchedulerConfig, confirmWindow time.Duration, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		store:   st,
		accel:   accel,
		bcast:   bcast,
		nonces:  nonces,
		cfg:     cfg,
		confirm: confirmWindow,
		owner:   uuid.NewString(),
		log:     log.WithField("component", "scheduler"),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		inFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchtower_scheduler_in_flight_leases",
			Help: "Number of claimed rows currently being processed by this scheduler.",
		}),
	}
}

// InFlight reports how many claimed rows this Scheduler is currently
// processing, for the /health ambient counters.
func (s *Scheduler) InFlight() int {
	return int(s.inFlightCount.Load())
}

// Run polls every configured chain until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, chains []uint64) {
	var wg sync.WaitGroup
	for _, chainID := range chains {
		wg.Add(1)
		go func(chainID uint64) {
			defer wg.Done()
			s.runChain(ctx, chainID)
		}(chainID)
	}
	wg.Wait()
}

func (s *Scheduler) runChain(ctx context.Context, chainID uint64) {
	ticker := time.NewTicker(time.Duration(s.cfg.PollIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, chainID)
		}
	}
}

// pollOnce consults the Accelerator for a due-work hint (log only) and
// then claims from the Store, which is the authoritative scan regardless
// of what the Accelerator reported.
func (s *Scheduler) pollOnce(ctx context.Context, chainID uint64) {
	budget := s.cfg.MaxConcurrency - len(s.sem)
	if budget <= 0 {
		return
	}
	now := chainmodel.Now()

	if hint, err := s.accel.Due(ctx, chainID, now, budget); err != nil {
		s.log.WithError(err).Debug("accelerator due-scan failed, falling back to store")
	} else {
		s.log.WithField("hint_count", len(hint)).Trace("accelerator due hint")
	}

	claimed, err := s.store.ClaimDue(ctx, chainID, now, s.cfg.LeaseTTLSeconds, s.owner, budget)
	if err != nil {
		s.log.WithError(err).Error("claim_due failed")
		return
	}

	for _, rec := range claimed {
		rec := rec
		s.sem <- struct{}{}
		s.inFlightGauge.Inc()
		s.inFlightCount.Add(1)
		go func() {
			defer func() {
				<-s.sem
				s.inFlightGauge.Dec()
				s.inFlightCount.Add(-1)
			}()
			s.process(ctx, rec)
		}()
	}
}

func (s *Scheduler) process(ctx context.Context, rec chainmodel.Record) {
	now := chainmodel.Now()
	if rec.AlreadyExpired(now) {
		s.terminal(ctx, rec, chainmodel.StatusExpired)
		return
	}

	result := s.bcast.Submit(ctx, rec.ChainID, rec.RawTx)

	now = chainmodel.Now()
	if rec.AlreadyExpired(now) {
		s.terminal(ctx, rec, chainmodel.StatusExpired)
		return
	}

	switch result.Outcome {
	case broadcaster.OutcomeAccepted:
		s.rescheduleAccepted(ctx, rec, now)
	case broadcaster.OutcomeFatal:
		s.handleFatal(ctx, rec, result, now)
	default:
		s.rescheduleTransient(ctx, rec, result.LastError, now)
	}
}

func (s *Scheduler) rescheduleAccepted(ctx context.Context, rec chainmodel.Record, now int64) {
	window := int64(s.confirm / time.Second)
	if window <= 0 {
		window = 1
	}
	if capSec := s.cfg.RetryMaxMS / 1000; capSec > 0 && window > capSec {
		window = capSec
	}
	next := now + window

	if err := s.store.Complete(ctx, rec.TxHash, rec.ChainID, store.Outcome{
		Reschedule: &store.Reschedule{NextActionAt: next, Status: chainmodel.StatusBroadcasting},
	}); err != nil {
		s.log.WithError(err).Error("failed to reschedule accepted tx")
		return
	}
	if err := s.accel.PushRetry(ctx, rec.ChainID, rec.TxHash, next); err != nil {
		s.log.WithError(err).Warn("accelerator push failed, falling back to store scans")
	}
}

func (s *Scheduler) rescheduleTransient(ctx context.Context, rec chainmodel.Record, lastErr string, now int64) {
	next := now + backoffSeconds(rec.Attempts, now, rec.ExpiresAt, s.cfg)

	if err := s.store.Complete(ctx, rec.TxHash, rec.ChainID, store.Outcome{
		Reschedule: &store.Reschedule{NextActionAt: next, LastError: lastErr},
	}); err != nil {
		s.log.WithError(err).Error("failed to reschedule transient tx")
		return
	}
	if err := s.accel.PushRetry(ctx, rec.ChainID, rec.TxHash, next); err != nil {
		s.log.WithError(err).Warn("accelerator push failed, falling back to store scans")
	}
}

// handleFatal resolves a fatal broadcast rejection: provably-invalid
// transactions terminate as invalid; a nonce-too-low claim
// is confirmed against the chain's current nonce before terminating as
// stale; insufficient-funds is treated as transient unless the row has
// already expired.
func (s *Scheduler) handleFatal(ctx context.Context, rec chainmodel.Record, result broadcaster.Result, now int64) {
	switch result.FatalCode {
	case "NonceTooLow":
		current, err := s.nonces.NonceAt(ctx, rec.ChainID, rec.Sender)
		if err == nil && current > rec.Nonce {
			if _, err := s.store.MarkStale(ctx, rec.TxHash, &rec.ChainID, current); err != nil {
				s.log.WithError(err).Error("mark_stale failed after confirmed nonce-too-low")
			} else {
				_ = s.accel.Remove(ctx, rec.ChainID, rec.TxHash)
			}
			return
		}
		s.rescheduleTransient(ctx, rec, result.LastError, now)

	case "InsufficientFunds":
		if rec.AlreadyExpired(now) {
			s.terminal(ctx, rec, chainmodel.StatusExpired)
			return
		}
		s.rescheduleTransient(ctx, rec, result.LastError, now)

	default: // MalformedTx, BadSenderSig, BadFeePayerSig, and anything else provably invalid
		err := s.store.Complete(ctx, rec.TxHash, rec.ChainID, store.Outcome{
			Terminal: &store.Terminal{Status: chainmodel.StatusInvalid},
		})
		if err != nil {
			s.log.WithError(err).Error("failed to terminate invalid tx")
			return
		}
		_ = s.accel.Remove(ctx, rec.ChainID, rec.TxHash)
	}
}

func (s *Scheduler) terminal(ctx context.Context, rec chainmodel.Record, status chainmodel.Status) {
	err := s.store.Complete(ctx, rec.TxHash, rec.ChainID, store.Outcome{
		Terminal: &store.Terminal{Status: status},
	})
	if err != nil {
		if ae, ok := apperr.As(err); !ok || ae.Kind != apperr.KindAlreadyTerminal {
			s.log.WithError(err).Error("failed to terminate tx")
			return
		}
	}
	if err := s.accel.Remove(ctx, rec.ChainID, rec.TxHash); err != nil {
		s.log.WithError(err).Warn("accelerator remove failed")
	}
}
