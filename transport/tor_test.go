package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/btcseed/crawler/address"
)

// fakeSOCKS5Server accepts one connection, performs the minimal no-auth
// SOCKS5 handshake, acknowledges a CONNECT request, and then closes — just
// enough for TorDialer's negotiation to complete successfully.
func fakeSOCKS5Server(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		// greeting: VER NMETHODS METHODS...
		buf := make([]byte, 257)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte{0x05, 0x00}) // no-auth selected

		// request: VER CMD RSV ATYP ADDR PORT
		if _, err := conn.Read(buf); err != nil {
			return
		}
		// reply: VER REP RSV ATYP BND.ADDR BND.PORT (ATYP=1, IPv4 0.0.0.0:0)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()
	return ln.Addr().String()
}

func TestTorDialerRejectsNonOnionAddress(t *testing.T) {
	addr, err := address.ParseHostPort("1.2.3.4:8333")
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}
	d := TorDialer{ProxyHost: "127.0.0.1", ProxyPort: 9050}
	if _, err := d.Open(context.Background(), addr, time.Second); err == nil {
		t.Fatal("expected error for non-onion address, got nil")
	}
}

func TestTorDialerNegotiatesSOCKS5(t *testing.T) {
	proxyAddr := fakeSOCKS5Server(t)
	host, portStr, err := net.SplitHostPort(proxyAddr)
	if err != nil {
		t.Fatalf("split proxy addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse proxy port: %v", err)
	}

	onion := "abcdefghijklmnopqrstuvwxyz234567abcdefghijklmnopqrstuvwx.onion:8333"
	addr, err := address.ParseHostPort(onion)
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}

	d := TorDialer{ProxyHost: host, ProxyPort: uint16(port)}
	s, err := d.Open(context.Background(), addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
}
