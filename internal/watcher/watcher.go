// Package watcher is the relay's Watcher: it maintains a view of
// (sender, nonce_key) → current_nonce and per-hash receipts, polling (and,
// when configured, consuming a streaming hint to poll sooner) to drive
// terminal transitions. It never rolls back a terminal state; when a
// receipt and a stale-by-nonce signal race for the same row, checking the
// receipt first — before ever consulting the nonce — makes "executed wins"
// the natural outcome of the poll order rather than a special case.
package watcher

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"watchtower/internal/chainmodel"
	"watchtower/internal/rpcfleet"
	"watchtower/internal/store"
)

// Fleet is the narrow slice of rpcfleet.Fleet the Watcher needs.
type Fleet interface {
	Receipt(ctx context.Context, chainID uint64, txHash chainmodel.Hash) (json.RawMessage, bool, error)
	NonceAt(ctx context.Context, chainID uint64, addr chainmodel.Address) (uint64, error)
}

// Accelerator is the narrow slice of accelerator.Accelerator the Watcher needs.
type Accelerator interface {
	Remove(ctx context.Context, chainID uint64, hash chainmodel.Hash) error
}

var activeStatuses = []chainmodel.Status{
	chainmodel.StatusQueued,
	chainmodel.StatusBroadcasting,
	chainmodel.StatusRetryScheduled,
}

type pairKey struct {
	chainID  uint64
	sender   chainmodel.Address
	nonceKey chainmodel.NonceKey
}

// Watcher polls one or more chains for receipts and nonce advancement.
type Watcher struct {
	store store.Store
	fleet Fleet
	accel Accelerator
	cfg   Config
	log   *logrus.Entry

	mu         sync.RWMutex
	nonceCache map[pairKey]uint64
	lastPollAt map[uint64]int64

	pollAgeGauge *prometheus.GaugeVec
}

// Config mirrors config.WatcherConfig; kept separate so this package does
// not need to import internal/config for a three-field value.
type Config struct {
	PollInterval time.Duration
	// UseWebsocket and WebsocketURLs enable the streaming poll-sooner hint;
	// a chain with no entry in WebsocketURLs just polls on PollInterval.
	UseWebsocket  bool
	WebsocketURLs map[uint64]string
}

// New builds a Watcher.
func New(st store.Store, fleet Fleet, accel Accelerator, cfg Config, log *logrus.Entry) *Watcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watcher{
		store:      st,
		fleet:      fleet,
		accel:      accel,
		cfg:        cfg,
		log:        log.WithField("component", "watcher"),
		nonceCache: make(map[pairKey]uint64),
		lastPollAt: make(map[uint64]int64),
		pollAgeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchtower_watcher_last_poll_unix_seconds",
			Help: "Unix timestamp of this watcher's last completed poll, per chain.",
		}, []string{"chain_id"}),
	}
}

// Run polls every chain in chains until ctx is canceled.
func (w *Watcher) Run(ctx context.Context, chains []uint64) {
	var wg sync.WaitGroup
	for _, chainID := range chains {
		wg.Add(1)
		go func(chainID uint64) {
			defer wg.Done()
			w.runChain(ctx, chainID)
		}(chainID)
	}
	wg.Wait()
}

func (w *Watcher) runChain(ctx context.Context, chainID uint64) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var notifications <-chan json.RawMessage
	var wsErrs <-chan error
	if w.cfg.UseWebsocket {
		if url := w.cfg.WebsocketURLs[chainID]; url != "" {
			sub, err := rpcfleet.Subscribe(ctx, url)
			if err != nil {
				w.log.WithError(err).Warn("websocket subscribe failed, falling back to polling only")
			} else {
				defer sub.Close()
				notifications = sub.Notifications
				wsErrs = sub.Errs
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PollOnce(ctx, chainID)
		case <-notifications:
			w.PollOnce(ctx, chainID)
		case err := <-wsErrs:
			w.log.WithError(err).Debug("websocket notification stream error")
			notifications, wsErrs = nil, nil
		}
	}
}

// PollOnce scans chainID's active rows, resolves receipts first (so
// "executed" always pre-empts a nonce-based stale signal for the same
// hash), then checks nonce advancement per (sender, nonce_key) pair,
// caching one lookup per pair per poll. Exported so a streaming
// notification can trigger an out-of-band poll in addition to the ticker.
func (w *Watcher) PollOnce(ctx context.Context, chainID uint64) {
	now := chainmodel.Now()
	records, err := w.store.List(ctx, store.Filter{
		ChainID:  &chainID,
		Statuses: activeStatuses,
		Limit:    500,
	})
	if err != nil {
		w.log.WithError(err).Error("watcher list failed")
		return
	}

	nonceOf := make(map[pairKey]uint64)

	for _, rec := range records {
		if rec.AlreadyExpired(now) {
			w.terminal(ctx, rec, chainmodel.StatusExpired, nil)
			continue
		}

		receipt, found, err := w.fleet.Receipt(ctx, chainID, rec.TxHash)
		if err != nil {
			w.log.WithError(err).Debug("receipt lookup failed")
		}
		if found {
			w.terminal(ctx, rec, chainmodel.StatusExecuted, receipt)
			continue
		}

		pair := pairKey{chainID: chainID, sender: rec.Sender, nonceKey: rec.NonceKey}
		current, ok := nonceOf[pair]
		if !ok {
			current, err = w.fleet.NonceAt(ctx, chainID, rec.Sender)
			if err != nil {
				w.log.WithError(err).Debug("nonce lookup failed")
				continue
			}
			nonceOf[pair] = current
			w.cacheNonce(pair, current)
		}

		if current > rec.Nonce {
			if _, err := w.store.MarkStale(ctx, rec.TxHash, &chainID, current); err != nil {
				w.log.WithError(err).Debug("mark_stale failed")
				continue
			}
			_ = w.accel.Remove(ctx, chainID, rec.TxHash)
		}
	}

	w.mu.Lock()
	w.lastPollAt[chainID] = now
	w.mu.Unlock()
	w.pollAgeGauge.WithLabelValues(strconv.FormatUint(chainID, 10)).Set(float64(now))
}

func (w *Watcher) terminal(ctx context.Context, rec chainmodel.Record, status chainmodel.Status, receipt json.RawMessage) {
	err := w.store.Complete(ctx, rec.TxHash, rec.ChainID, store.Outcome{
		Terminal: &store.Terminal{Status: status, Receipt: receipt},
	})
	if err != nil {
		w.log.WithError(err).Debug("watcher terminal transition failed")
		return
	}
	_ = w.accel.Remove(ctx, rec.ChainID, rec.TxHash)
}

func (w *Watcher) cacheNonce(pair pairKey, nonce uint64) {
	w.mu.Lock()
	w.nonceCache[pair] = nonce
	w.mu.Unlock()
}

// CachedNonce returns the Watcher's most recent current_nonce observation
// for (sender, nonce_key) on chainID. This backs Ingest.mark_stale, which
// trusts the Watcher's cached observation rather than issuing its own live
// chain read.
func (w *Watcher) CachedNonce(chainID uint64, sender chainmodel.Address, nonceKey chainmodel.NonceKey) (uint64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n, ok := w.nonceCache[pairKey{chainID: chainID, sender: sender, nonceKey: nonceKey}]
	return n, ok
}

// LastPollAt returns the unix timestamp of chainID's last completed poll,
// for the /health ambient counters.
func (w *Watcher) LastPollAt(chainID uint64) (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.lastPollAt[chainID]
	return t, ok
}
