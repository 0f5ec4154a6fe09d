// Package frontier implements the crawl's shared, deduplicated queue of
// addresses still to probe and the registry of every address ever seen.
package frontier

import (
	"context"
	"sync"
	"time"

	"github.com/btcseed/crawler/address"
)

// DefaultAgeThreshold is the maximum age of an advertised address's
// timestamp before OfferDiscovered excludes it from first-phase discovery, per the
// two-day default (up from an earlier one-day value) that covers a peer's
// address-cache rotation window.
const DefaultAgeThreshold = 48 * time.Hour

// Frontier owns `seen` and `pending` exclusively: nothing outside this
// package mutates either set directly.
type Frontier struct {
	mu           sync.Mutex
	seen         map[address.Address]struct{}
	pending      []address.Address
	closed       bool
	signal       chan struct{} // closed and replaced on every state change
	ageThreshold time.Duration
}

// New returns an empty Frontier. ageThreshold of zero disables age-based
// exclusion entirely (every offered address is enqueued regardless of age).
func New(ageThreshold time.Duration) *Frontier {
	return &Frontier{
		seen:         make(map[address.Address]struct{}),
		signal:       make(chan struct{}),
		ageThreshold: ageThreshold,
	}
}

func (f *Frontier) wakeLocked() {
	close(f.signal)
	f.signal = make(chan struct{})
}

// Offer inserts addr into `seen` and `pending` if it hasn't been seen
// before, returning true if it was newly added. Used for the bootstrap set
// and any address whose age doesn't need checking.
func (f *Frontier) Offer(addr address.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if _, ok := f.seen[addr]; ok {
		return false
	}
	f.seen[addr] = struct{}{}
	f.pending = append(f.pending, addr)
	f.wakeLocked()
	return true
}

// OfferDiscovered is like Offer but additionally takes the address's
// advertised timestamp: the address is always marked seen (so it is never
// re-offered), but it is only enqueued into `pending` if its age is within
// the configured threshold. Returns whether addr was newly seen.
func (f *Frontier) OfferDiscovered(addr address.Address, advertisedAt time.Time, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if _, ok := f.seen[addr]; ok {
		return false
	}
	f.seen[addr] = struct{}{}

	if f.ageThreshold <= 0 || !advertisedAt.Before(now.Add(-f.ageThreshold)) {
		f.pending = append(f.pending, addr)
		f.wakeLocked()
	}
	return true
}

// Take blocks until an address is available, the frontier is closed, or ctx
// is cancelled. ok is false in the latter two cases.
func (f *Frontier) Take(ctx context.Context) (addr address.Address, ok bool) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			addr = f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			return addr, true
		}
		if f.closed {
			f.mu.Unlock()
			return address.Address{}, false
		}
		wait := f.signal
		f.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return address.Address{}, false
		}
	}
}

// Close refuses further Offers. Take continues to drain whatever is already
// in `pending`, then starts returning closed.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.wakeLocked()
}

// SizeSeen returns the number of addresses ever offered (whether or not
// they made it into `pending`).
func (f *Frontier) SizeSeen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// SizePending returns the number of addresses currently awaiting a worker.
func (f *Frontier) SizePending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
