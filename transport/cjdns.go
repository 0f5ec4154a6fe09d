package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/btcseed/crawler/address"
)

// CJDNSDialer behaves exactly like DirectDialer — a plain TCP connect — but
// first validates the destination falls inside fc00::/8 and is billed
// against the CJDNS timeout triple rather than the IPv6 one, so a CJDNS peer
// is never dialed with the wrong transport's budget.
type CJDNSDialer struct{}

func (CJDNSDialer) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (Stream, error) {
	if addr.Kind() != address.CJDNS {
		return nil, fmt.Errorf("cjdns transport given non-CJDNS address %s", addr)
	}
	ip := net.ParseIP(addr.Host())
	if ip == nil || ip[0] != 0xfc {
		return nil, fmt.Errorf("cjdns transport given address outside fc00::/8: %s", addr)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
