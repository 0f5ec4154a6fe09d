// Package node runs the per-peer session state machine: connect, handshake
// (with retries), an optional getaddr collection window, and close.
package node

import (
	"context"

	"github.com/btcseed/crawler/address"
	"github.com/btcseed/crawler/transport"
	"github.com/btcseed/crawler/wire"
)

// Dialer is the narrow slice of *transport.Transport a session needs: open a
// stream for an address and look up its timeout triple. Accepting the
// interface rather than the concrete type keeps this package dialable by a
// fake transport in tests.
type Dialer interface {
	Open(ctx context.Context, addr address.Address) (transport.Stream, error)
	Timeouts(addr address.Address) transport.Timeouts
}

// Config holds the per-session knobs the crawl controller configures.
type Config struct {
	UserAgent         string
	StartHeight       int32
	HandshakeAttempts int // total connect+handshake attempts, default 3
	GetAddrAttempts   int // total getaddr collection windows, default 2
	Magic             wire.Magic
}

// DefaultConfig returns the default retry counts and a crawler user agent;
// callers still need to set Magic for the network being crawled.
func DefaultConfig() Config {
	return Config{
		UserAgent:         "/btcseed-crawler:0.1.0/",
		StartHeight:       0,
		HandshakeAttempts: 3,
		GetAddrAttempts:   2,
		Magic:             wire.MainNet,
	}
}
