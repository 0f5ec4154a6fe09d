package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/btcseed/crawler/address"
)

// These SAM session options mirror the tunnel-quality defaults a SAM client picks
// when it has no opinion of its own: 3 hops each way, 3 tunnels each way,
// Ed25519 destination keys.
const (
	samTunnelLength   = 3
	samTunnelQuantity = 3
	samSignatureType  = 7
)

// I2PDialer reaches .b32.i2p destinations through a single SAM v3 session
// shared by the whole crawl. The router only lets one client own a given
// session nickname, and opening a fresh session per peer would also mean
// building a fresh set of tunnels per peer, so every STREAM CONNECT in the
// crawl reuses the one session this dialer owns.
type I2PDialer struct {
	SamHost string
	SamPort uint16

	mu          sync.Mutex
	sessionID   string
	sessionConn net.Conn // held open for the lifetime of the session
}

func (d *I2PDialer) samAddr() string {
	return net.JoinHostPort(d.SamHost, portString(d.SamPort))
}

// ensureSession creates the shared SAM session the first time it's needed,
// and is a no-op on every call after that. The control connection used to
// create the session is kept alive for as long as the session lives — SAM
// tears the session down when that socket closes.
func (d *I2PDialer) ensureSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sessionConn != nil {
		return nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.samAddr())
	if err != nil {
		return fmt.Errorf("dial SAM bridge %s: %w", d.samAddr(), err)
	}

	if err := samHello(conn); err != nil {
		conn.Close()
		return fmt.Errorf("SAM hello: %w", err)
	}

	nickname := fmt.Sprintf("crawler-%d", time.Now().UnixNano())
	cmd := fmt.Sprintf(
		"SESSION CREATE STYLE=STREAM ID=%s DESTINATION=TRANSIENT "+
			"SIGNATURE_TYPE=%d inbound.length=%d outbound.length=%d "+
			"inbound.quantity=%d outbound.quantity=%d\n",
		nickname, samSignatureType, samTunnelLength, samTunnelLength,
		samTunnelQuantity, samTunnelQuantity,
	)
	reply, err := samRoundTrip(conn, cmd)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SAM session create: %w", err)
	}
	if !strings.Contains(reply, "RESULT=OK") {
		conn.Close()
		return fmt.Errorf("SAM session create rejected: %s", strings.TrimSpace(reply))
	}

	d.sessionID = nickname
	d.sessionConn = conn
	return nil
}

func (d *I2PDialer) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (Stream, error) {
	if addr.Kind() != address.I2P {
		return nil, fmt.Errorf("i2p transport given non-i2p address %s", addr)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := d.ensureSession(ctx); err != nil {
		return nil, err
	}

	var dialer net.Dialer
	streamConn, err := dialer.DialContext(ctx, "tcp", d.samAddr())
	if err != nil {
		return nil, fmt.Errorf("dial SAM bridge %s for stream: %w", d.samAddr(), err)
	}

	if err := samHello(streamConn); err != nil {
		streamConn.Close()
		return nil, fmt.Errorf("SAM hello on stream socket: %w", err)
	}

	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()

	// The destination for STREAM CONNECT is the full base64 or base32
	// I2P destination; our address model only carries the .b32.i2p label,
	// which the router resolves the same way a Bitcoin peer's dial string
	// would be resolved — SAM accepts the hostname form directly.
	cmd := fmt.Sprintf("STREAM CONNECT ID=%s DESTINATION=%s.b32.i2p SILENT=false\n", sessionID, addr.Host())
	reply, err := samRoundTrip(streamConn, cmd)
	if err != nil {
		streamConn.Close()
		return nil, fmt.Errorf("SAM stream connect to %s: %w", addr, err)
	}
	if !strings.Contains(reply, "RESULT=OK") {
		streamConn.Close()
		return nil, fmt.Errorf("SAM stream connect to %s rejected: %s", addr, strings.TrimSpace(reply))
	}

	return streamConn, nil
}

// Close tears down the shared session by closing its control connection.
func (d *I2PDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionConn == nil {
		return nil
	}
	err := d.sessionConn.Close()
	d.sessionConn = nil
	d.sessionID = ""
	return err
}

func samHello(conn net.Conn) error {
	reply, err := samRoundTrip(conn, "HELLO VERSION MIN=3.0 MAX=3.3\n")
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "RESULT=OK") {
		return fmt.Errorf("rejected: %s", strings.TrimSpace(reply))
	}
	return nil
}

// samRoundTrip writes a single SAM text command and reads back a single
// reply line. SAM's control protocol is strictly line-oriented, one
// command in, one reply line out, which keeps this a lot simpler than the
// Bitcoin wire codec's binary framing.
func samRoundTrip(conn net.Conn, cmd string) (string, error) {
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return line, nil
}
