package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/btcseed/crawler/address"
)

// dialer is the shape every per-kind adapter implements.
type dialer interface {
	Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (Stream, error)
}

// Transport dispatches an Address to the matching adapter and applies that
// adapter's own timeout triple. It owns the single shared I2P SAM session
// for the life of a crawl, so it must be closed once the crawl finishes.
type Transport struct {
	cfg Config

	direct dialer
	tor    dialer
	i2p    *I2PDialer
	cjdns  dialer
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		direct: DirectDialer{},
		tor:    TorDialer{ProxyHost: cfg.TorProxyHost, ProxyPort: cfg.TorProxyPort},
		i2p:    &I2PDialer{SamHost: cfg.I2PSamHost, SamPort: cfg.I2PSamPort},
		cjdns:  CJDNSDialer{},
	}
}

// Open connects to addr using the adapter and timeout triple for its kind.
func (t *Transport) Open(ctx context.Context, addr address.Address) (Stream, error) {
	switch addr.Kind() {
	case address.IPv4, address.IPv6:
		return t.direct.Open(ctx, addr, t.cfg.IP.Connect)
	case address.OnionV3:
		return t.tor.Open(ctx, addr, t.cfg.Tor.Connect)
	case address.I2P:
		return t.i2p.Open(ctx, addr, t.cfg.I2P.Connect)
	case address.CJDNS:
		return t.cjdns.Open(ctx, addr, t.cfg.CJDNS.Connect)
	default:
		return nil, fmt.Errorf("no transport adapter for address kind %v", addr.Kind())
	}
}

// Timeouts returns the timeout triple configured for addr's kind; the node
// session uses its message and getaddr values once a Stream is open.
func (t *Transport) Timeouts(addr address.Address) Timeouts {
	switch addr.Kind() {
	case address.IPv4, address.IPv6:
		return t.cfg.IP
	case address.OnionV3:
		return t.cfg.Tor
	case address.I2P:
		return t.cfg.I2P
	case address.CJDNS:
		return t.cfg.CJDNS
	default:
		return t.cfg.IP
	}
}

// Close tears down the shared I2P SAM session, if one was ever opened.
func (t *Transport) Close() error {
	return t.i2p.Close()
}
