package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/btcseed/crawler/address"
)

// DirectDialer opens a plain TCP connection to (host, port), the adapter
// used for both IPv4 and IPv6 addresses.
type DirectDialer struct{}

func (DirectDialer) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
