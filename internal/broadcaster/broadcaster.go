// Package broadcaster fans a raw transaction out in parallel across
// RpcFleet endpoints, classifying the aggregate outcome fatal > accepted >
// transient, with no early cancellation of peers on a first success.
package broadcaster

import (
	"context"
	"time"

	"watchtower/internal/apperr"
	"watchtower/internal/rpcfleet"
)

// Outcome is the aggregate classification of one broadcast attempt.
type Outcome int

const (
	OutcomeTransient Outcome = iota
	OutcomeAccepted
	OutcomeFatal
)

// Result is what the Scheduler needs to decide the next state transition.
type Result struct {
	Outcome     Outcome
	FatalCode   string
	LastError   string
	PerEndpoint []rpcfleet.BroadcastResult
}

// Broadcaster fans a raw transaction out across a chain's healthiest
// endpoints.
type Broadcaster struct {
	fleet   *rpcfleet.Fleet
	fanout  int
	timeout time.Duration
}

// New builds a Broadcaster against fleet, sending to up to fanout
// endpoints per attempt with the given per-attempt deadline.
func New(fleet *rpcfleet.Fleet, fanout int, timeout time.Duration) *Broadcaster {
	return &Broadcaster{fleet: fleet, fanout: fanout, timeout: timeout}
}

// Submit broadcasts raw on chainID and aggregates the endpoint responses.
func (b *Broadcaster) Submit(ctx context.Context, chainID uint64, raw []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	results := b.fleet.Broadcast(ctx, chainID, raw, b.fanout)
	return classify(results)
}

// classify picks fatal over accepted over transient across every
// endpoint's individual outcome.
func classify(results []rpcfleet.BroadcastResult) Result {
	r := Result{Outcome: OutcomeTransient, PerEndpoint: results}

	var sawFatal, sawAccepted bool
	for _, er := range results {
		switch er.Outcome {
		case rpcfleet.OutcomeFatal:
			sawFatal = true
			if er.Err != nil {
				r.LastError = er.Err.Error()
				if ae, ok := apperr.As(er.Err); ok {
					r.FatalCode = ae.Code
				}
			}
		case rpcfleet.OutcomeAccepted:
			sawAccepted = true
		case rpcfleet.OutcomeTransient:
			if er.Err != nil {
				r.LastError = er.Err.Error()
			}
		}
	}

	switch {
	case sawFatal:
		r.Outcome = OutcomeFatal
	case sawAccepted:
		r.Outcome = OutcomeAccepted
	default:
		r.Outcome = OutcomeTransient
	}
	return r
}
