package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/btcseed/crawler/address"
)

// TorDialer reaches Onion addresses through a local Tor SOCKS5 proxy. The
// destination is handed to the proxy as a domain-name address (the .onion
// label) so resolution happens inside Tor, never locally.
type TorDialer struct {
	ProxyHost string
	ProxyPort uint16
}

func (t TorDialer) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (Stream, error) {
	if addr.Kind() != address.OnionV3 {
		return nil, fmt.Errorf("tor transport given non-onion address %s", addr)
	}

	proxyAddr := net.JoinHostPort(t.ProxyHost, portString(t.ProxyPort))
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("build SOCKS5 dialer for %s: %w", proxyAddr, err)
	}

	// The connect-timeout bounds the full SOCKS5 negotiation, which is
	// synchronous in golang.org/x/net/proxy; run it on a goroutine so
	// context cancellation isn't left waiting on a blocked Dial.
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial("tcp", addr.String())
		done <- result{conn, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		// The leaked goroutine's eventual connection (if any) is closed as
		// soon as it arrives; we never hand a late stream back to the
		// caller, so no descriptor is attributed to this session.
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connect %s via tor proxy %s: %w", addr, proxyAddr, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect %s via tor proxy %s: %w", addr, proxyAddr, r.err)
		}
		return r.conn, nil
	}
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}
