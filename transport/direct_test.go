package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/btcseed/crawler/address"
)

func TestDirectDialerConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	addr, err := address.ParseHostPort(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}

	d := DirectDialer{}
	s, err := d.Open(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
}

func TestDirectDialerFailsOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listening now

	addr, err := address.ParseHostPort(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}

	d := DirectDialer{}
	if _, err := d.Open(context.Background(), addr, time.Second); err == nil {
		t.Fatal("expected error dialing closed port, got nil")
	}
}
