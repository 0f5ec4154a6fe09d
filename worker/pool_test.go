package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcseed/crawler/address"
	"github.com/btcseed/crawler/node"
)

// fakeFrontier hands out a fixed slice of addresses, one per Take call, then
// reports closed.
type fakeFrontier struct {
	mu   sync.Mutex
	addr []address.Address
}

func (f *fakeFrontier) Take(ctx context.Context) (address.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.addr) == 0 {
		return address.Address{}, false
	}
	a := f.addr[0]
	f.addr = f.addr[1:]
	return a, true
}

func mustAddr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.ParseHostPort(s)
	if err != nil {
		t.Fatalf("ParseHostPort(%q): %v", s, err)
	}
	return a
}

func TestPoolRunsEverySessionExactlyOnce(t *testing.T) {
	addrs := []address.Address{
		mustAddr(t, "1.1.1.1:8333"),
		mustAddr(t, "2.2.2.2:8333"),
		mustAddr(t, "3.3.3.3:8333"),
	}
	f := &fakeFrontier{addr: append([]address.Address{}, addrs...)}

	var mu sync.Mutex
	seen := map[address.Address]int{}

	p := &Pool{
		NumWorkers: 4,
		Frontier:   f,
		RunSession: func(ctx context.Context, addr address.Address) (node.Result, []node.AdvertisedAddress, error) {
			return node.Result{Addr: addr, HandshakeSuccessful: true}, nil, nil
		},
		OnComplete: func(addr address.Address, result node.Result, adverts []node.AdvertisedAddress) {
			mu.Lock()
			seen[addr]++
			mu.Unlock()
		},
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != len(addrs) {
		t.Fatalf("expected %d distinct addresses processed, got %d", len(addrs), len(seen))
	}
	for _, a := range addrs {
		if seen[a] != 1 {
			t.Fatalf("expected address %v processed exactly once, got %d", a, seen[a])
		}
	}
}

func TestPoolSkipsOnCompleteForCancelledSessions(t *testing.T) {
	f := &fakeFrontier{addr: []address.Address{mustAddr(t, "1.1.1.1:8333")}}

	var called bool
	p := &Pool{
		NumWorkers: 1,
		Frontier:   f,
		RunSession: func(ctx context.Context, addr address.Address) (node.Result, []node.AdvertisedAddress, error) {
			return node.Result{}, nil, context.Canceled
		},
		OnComplete: func(addr address.Address, result node.Result, adverts []node.AdvertisedAddress) {
			called = true
		},
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Fatal("expected OnComplete not to be called for a cancelled session")
	}
}

func TestPoolActiveCountReturnsToZeroAfterCompletion(t *testing.T) {
	f := &fakeFrontier{addr: []address.Address{mustAddr(t, "1.1.1.1:8333")}}

	p := &Pool{
		NumWorkers: 1,
		Frontier:   f,
		RunSession: func(ctx context.Context, addr address.Address) (node.Result, []node.AdvertisedAddress, error) {
			time.Sleep(5 * time.Millisecond)
			return node.Result{Addr: addr}, nil, nil
		},
		OnComplete: func(addr address.Address, result node.Result, adverts []node.AdvertisedAddress) {},
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.ActiveCount() != 0 {
		t.Fatalf("expected active count 0 after Run returns, got %d", p.ActiveCount())
	}
}
