package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"watchtower/internal/accelerator"
	"watchtower/internal/api"
	"watchtower/internal/broadcaster"
	"watchtower/internal/config"
	"watchtower/internal/ingest"
	"watchtower/internal/rpcfleet"
	"watchtower/internal/scheduler"
	"watchtower/internal/sigverify"
	"watchtower/internal/store"
	"watchtower/internal/watcher"
)

// runServe wires every Watchtower component, runs the Scheduler and
// Watcher poll loops alongside the HTTP server, and blocks until
// SIGINT/SIGTERM.
func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()

	chains, chainEndpoints, expectedChains, err := parseChains(cfg.RPC.Chains)
	if err != nil {
		return err
	}

	fleet := rpcfleet.New(chainEndpoints, rpcfleet.Options{})

	var accel accelerator.Accelerator
	if cfg.Accelerator.URL != "" {
		accel = accelerator.NewRemoteClient(cfg.Accelerator.URL, nil)
		log.WithField("url", cfg.Accelerator.URL).Info("using remote accelerator")
	} else {
		accel = accelerator.New()
	}

	bcast := broadcaster.New(fleet, cfg.Broadcaster.Fanout, time.Duration(cfg.Broadcaster.TimeoutMS)*time.Millisecond)

	confirmWindow := time.Duration(cfg.Watcher.PollIntervalMS) * time.Millisecond
	sched := scheduler.New(st, accel, bcast, fleet, cfg.Scheduler, confirmWindow, log)

	watch := watcher.New(st, fleet, accel, watcher.Config{
		PollInterval:  time.Duration(cfg.Watcher.PollIntervalMS) * time.Millisecond,
		UseWebsocket:  cfg.Watcher.UseWebsocket,
		WebsocketURLs: websocketURLs(cfg.Watcher.WebsocketURLs),
	}, log)

	// No WebAuthn capability is wired in; 0x02-prefixed cancel signatures
	// always fail Unauthorized until an operator supplies one.
	verifier := sigverify.New(nil)
	ing := ingest.New(st, accel, watch, verifier, expectedChains, log)

	srv := api.New(ing, st, accel, chains, cfg.API.MaxBodyBytes, log)
	srv.SetScheduler(sched)
	srv.SetWatcher(watch)

	ctx, cancelLoops := context.WithCancel(context.Background())

	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); sched.Run(ctx, chains) }()
	go func() { defer loops.Done(); watch.Run(ctx, chains) }()

	httpServer := &http.Server{Addr: cfg.Server.Bind, Handler: srv.Router()}
	serveErrs := make(chan error, 1)
	go func() {
		log.WithField("bind", cfg.Server.Bind).Info("watchtower serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-serveErrs:
		log.WithError(err).Error("http server failed")
		cancelLoops()
		loops.Wait()
		return err
	}

	// Let in-flight HTTP requests finish, then let the Scheduler/Watcher
	// loops drain their current iteration before returning.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}

	cancelLoops()
	loops.Wait()
	log.Info("watchtower stopped")
	return nil
}

// parseChains turns config.Config.RPC.Chains' string-keyed map into the
// uint64-keyed shapes every internal package expects.
func parseChains(raw map[string][]string) (chains []uint64, endpoints map[uint64][]string, expected map[uint64]bool, err error) {
	endpoints = make(map[uint64][]string, len(raw))
	expected = make(map[uint64]bool, len(raw))
	for idStr, urls := range raw {
		id, perr := strconv.ParseUint(idStr, 10, 64)
		if perr != nil {
			return nil, nil, nil, fmt.Errorf("rpc.chains: invalid chain id %q: %w", idStr, perr)
		}
		endpoints[id] = urls
		expected[id] = true
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains, endpoints, expected, nil
}

// websocketURLs converts the config's string-keyed chain map to watcher's
// uint64-keyed one, dropping any entry whose key isn't a valid chain id.
func websocketURLs(raw map[string]string) map[uint64]string {
	out := make(map[uint64]string, len(raw))
	for idStr, url := range raw {
		if id, err := strconv.ParseUint(idStr, 10, 64); err == nil {
			out[id] = url
		}
	}
	return out
}
