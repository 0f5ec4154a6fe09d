// Package worker runs the fixed-size pool of concurrent workers that drain
// the frontier and execute node sessions. It knows nothing about sampling,
// sinks, or the Bitcoin protocol — that orchestration belongs to the crawl
// controller; a worker just takes an address, runs it, and reports back.
package worker

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/btcseed/crawler/address"
	"github.com/btcseed/crawler/node"
)

// RunSessionFunc executes one node session for addr. A non-nil error means
// the session was cancelled, not that the node was unreachable — an
// unreachable node is a zero-error Result with HandshakeSuccessful false.
type RunSessionFunc func(ctx context.Context, addr address.Address) (node.Result, []node.AdvertisedAddress, error)

// ResultHandler receives a completed session's output. It runs on the
// worker's own goroutine, so it must not block for long.
type ResultHandler func(addr address.Address, result node.Result, adverts []node.AdvertisedAddress)

// Pool is a fixed number of workers draining a frontier.Frontier-shaped
// queue. Frontier is kept as a narrow interface so tests can substitute a
// simple in-memory stand-in.
type Pool struct {
	NumWorkers int
	Frontier   Frontier
	RunSession RunSessionFunc
	OnComplete ResultHandler

	active atomic.Int32
}

// Frontier is the slice of frontier.Frontier the pool needs: pull the next
// address to probe, blocking until one is ready or the frontier is done.
type Frontier interface {
	Take(ctx context.Context) (address.Address, bool)
}

// ActiveCount reports how many workers are currently mid-session (i.e. not
// blocked in Take). The crawl controller polls this alongside the
// frontier's pending size to detect quiescence.
func (p *Pool) ActiveCount() int32 {
	return p.active.Load()
}

// Run starts NumWorkers goroutines and blocks until every one of them
// returns — which happens once the frontier closes or ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.NumWorkers; i++ {
		g.Go(func() error {
			for {
				addr, ok := p.Frontier.Take(gctx)
				if !ok {
					return nil
				}

				p.active.Add(1)
				result, adverts, err := p.RunSession(gctx, addr)
				if err == nil {
					p.OnComplete(addr, result, adverts)
				}
				p.active.Add(-1)
			}
		})
	}
	return g.Wait()
}
