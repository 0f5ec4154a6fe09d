// Package crawl implements the controller: it orchestrates the collapsed
// single-phase crawl described by the design — every reachable node gets a
// getaddr to grow the frontier, and an independently-sampled subset of
// those nodes has its advertised addresses additionally persisted.
package crawl

import (
	"context"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/btcseed/crawler/address"
	"github.com/btcseed/crawler/frontier"
	"github.com/btcseed/crawler/node"
	"github.com/btcseed/crawler/transport"
	"github.com/btcseed/crawler/worker"
)

// ReachableNodeSink receives one record per terminated session.
type ReachableNodeSink interface {
	WriteResult(node.Result) error
}

// AdvertisedAddressSink receives one record per address learned from a
// sampled node's getaddr reply.
type AdvertisedAddressSink interface {
	WriteAdvertised(node.AdvertisedAddress) error
}

// Controller owns the frontier, the transport, and the sampling decision
// for one crawl from start to completion.
type Controller struct {
	cfg         Config
	dialer      node.Dialer
	closeDialer func() error
	frontier    *frontier.Frontier
	nodeSink    ReachableNodeSink
	advertSink  AdvertisedAddressSink
	logger      *slog.Logger

	rngMu   sync.Mutex
	rng     *mathrand.Rand
	sampled map[address.Address]bool // draw made at Take time, consumed in onComplete

	sinkErrOnce sync.Once
	sinkErr     error
	cancel      context.CancelFunc
}

// New builds a Controller ready to Run a single crawl, using the real
// transport stack (direct/Tor/I2P/CJDNS) configured by cfg.Transport.
func New(cfg Config, nodeSink ReachableNodeSink, advertSink AdvertisedAddressSink, logger *slog.Logger) *Controller {
	t := transport.New(cfg.Transport)
	return newController(cfg, t, t.Close, nodeSink, advertSink, logger)
}

// newController builds a Controller against any node.Dialer, so tests can
// substitute a fake dialer instead of opening real network connections.
func newController(cfg Config, dialer node.Dialer, closeDialer func() error, nodeSink ReachableNodeSink, advertSink AdvertisedAddressSink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:         cfg,
		dialer:      dialer,
		closeDialer: closeDialer,
		frontier:    frontier.New(cfg.AgeThreshold),
		nodeSink:    nodeSink,
		advertSink:  advertSink,
		logger:      logger,
		rng:         mathrand.New(mathrand.NewSource(cfg.Seed)),
		sampled:     make(map[address.Address]bool),
	}
}

// Take implements worker.Frontier by wrapping the real frontier: the
// record-addr-data sampling draw happens here, at take time, so the draw
// sequence is fixed by dequeue order rather than by how long each session
// happens to run.
func (c *Controller) Take(ctx context.Context) (address.Address, bool) {
	addr, ok := c.frontier.Take(ctx)
	if !ok {
		return addr, false
	}

	c.rngMu.Lock()
	c.sampled[addr] = c.rng.Float64() < c.cfg.NodeShare
	c.rngMu.Unlock()

	return addr, true
}

// Run offers the bootstrap set, starts the worker pool, and blocks until
// the frontier is quiesced and every worker has returned. A sink write
// error cancels every in-flight worker and is returned once they've all
// unwound. If ctx is cancelled during the start delay, ctx.Err() is
// returned; any other return is nil.
func (c *Controller) Run(ctx context.Context, bootstrap []address.Address) error {
	if c.cfg.DelayStart > 0 {
		select {
		case <-time.After(c.cfg.DelayStart):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()
	defer c.closeDialer()

	for _, a := range bootstrap {
		c.frontier.Offer(a)
	}

	pool := &worker.Pool{
		NumWorkers: c.cfg.NumWorkers,
		Frontier:   c,
		RunSession: c.runSession,
		OnComplete: c.onComplete,
	}

	monitorDone := make(chan struct{})
	go c.monitorQuiescence(pool, monitorDone)
	defer func() {
		select {
		case <-monitorDone:
		default:
			close(monitorDone)
		}
	}()

	if err := pool.Run(ctx); err != nil {
		return err
	}
	return c.sinkErr
}

// monitorQuiescence closes the frontier once no worker is mid-session and
// nothing is pending — the "simple quiescence latch" the design calls for.
// Workers only add to pending while they themselves are active, so a
// snapshot of (active == 0, pending == 0) taken in that order is never
// stale: nothing can make pending non-zero again without first becoming
// active.
func (c *Controller) monitorQuiescence(pool *worker.Pool, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if pool.ActiveCount() == 0 && c.frontier.SizePending() == 0 {
				c.frontier.Close()
				return
			}
		}
	}
}

func (c *Controller) runSession(ctx context.Context, addr address.Address) (node.Result, []node.AdvertisedAddress, error) {
	cfg := node.Config{
		UserAgent:         c.cfg.UserAgent,
		StartHeight:       c.cfg.StartHeight,
		HandshakeAttempts: c.cfg.HandshakeAttempts,
		GetAddrAttempts:   c.cfg.GetAddrAttempts,
		Magic:             c.cfg.Magic,
	}
	// Collapsed single-phase design: every reachable node gets a getaddr so
	// the frontier keeps growing; which nodes get their addresses *recorded*
	// was already decided independently at Take time.
	return node.RunSession(ctx, c.dialer, addr, cfg, true)
}

func (c *Controller) onComplete(addr address.Address, result node.Result, adverts []node.AdvertisedAddress) {
	if err := c.nodeSink.WriteResult(result); err != nil {
		c.failSink(err)
		return
	}

	now := time.Now()
	for _, adv := range adverts {
		c.frontier.OfferDiscovered(adv.Addr, time.Unix(int64(adv.Timestamp), 0), now)
	}

	if !c.cfg.RecordAddrData || !c.consumeSample(addr) {
		return
	}
	for _, adv := range adverts {
		if err := c.advertSink.WriteAdvertised(adv); err != nil {
			c.failSink(err)
			return
		}
	}
}

// consumeSample returns the record-addr-data draw made for addr when it was
// taken from the frontier, and forgets it. Every taken address gets exactly
// one draw regardless of how its session turns out (unreachable, zero
// adverts, or a full getaddr reply) so the draw sequence for a given seed
// depends only on dequeue order.
func (c *Controller) consumeSample(addr address.Address) bool {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	sampled := c.sampled[addr]
	delete(c.sampled, addr)
	return sampled
}

func (c *Controller) failSink(err error) {
	c.sinkErrOnce.Do(func() {
		c.sinkErr = err
		c.logger.Error("sink write failed, cancelling crawl", "error", err)
		if c.cancel != nil {
			c.cancel()
		}
	})
}
