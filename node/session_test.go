package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcseed/crawler/address"
	"github.com/btcseed/crawler/transport"
	"github.com/btcseed/crawler/wire"
)

// fakeDialer hands out a pre-built net.Pipe stream per Open() call, driven
// by whatever fake-peer goroutine the test wired up on the other end.
type fakeDialer struct {
	timeouts transport.Timeouts
	streams  []func() (transport.Stream, error)
	calls    int
}

func (f *fakeDialer) Open(ctx context.Context, addr address.Address) (transport.Stream, error) {
	if f.calls >= len(f.streams) {
		return nil, errNoMoreStreams
	}
	fn := f.streams[f.calls]
	f.calls++
	return fn()
}

func (f *fakeDialer) Timeouts(addr address.Address) transport.Timeouts {
	return f.timeouts
}

var errNoMoreStreams = &streamsExhaustedError{}

type streamsExhaustedError struct{}

func (*streamsExhaustedError) Error() string { return "fake dialer: no more streams configured" }

func testAddr(t *testing.T) address.Address {
	t.Helper()
	a, err := address.ParseHostPort("1.2.3.4:8333")
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}
	return a
}

// plainHandshakePeer completes version/sendaddrv2/verack on srv and then
// calls extra once the handshake is done, on the same connection.
func plainHandshakePeer(srv net.Conn, magic wire.Magic, extra func(r *wire.Reader, w *wire.Writer)) {
	r := wire.NewReader(srv, magic)
	w := wire.NewWriter(srv, magic)

	_, payload, err := r.ReadMessage() // client version
	if err != nil {
		return
	}
	if _, err := wire.DecodeVersion(payload); err != nil {
		return
	}
	peerVersion, err := wire.NewVersionMsg("/fakepeer:0.0/", 0)
	if err != nil {
		return
	}
	vpayload, err := wire.EncodeVersion(peerVersion)
	if err != nil {
		return
	}
	if err := w.WriteMessage(wire.CmdVersion, vpayload); err != nil {
		return
	}

	for {
		cmd, _, err := r.ReadMessage()
		if err != nil {
			return
		}
		if cmd == wire.CmdVerAck {
			break
		}
	}
	if err := w.WriteMessage(wire.CmdVerAck, wire.EncodeEmpty()); err != nil {
		return
	}

	if extra != nil {
		extra(r, w)
	}
}

func TestRunSessionSuccessfulHandshakeNoCollect(t *testing.T) {
	client, srv := net.Pipe()
	go plainHandshakePeer(srv, wire.MainNet, nil)

	d := &fakeDialer{
		timeouts: transport.Timeouts{Message: time.Second, GetAddr: time.Second},
		streams:  []func() (transport.Stream, error){func() (transport.Stream, error) { return client, nil }},
	}
	cfg := DefaultConfig()

	result, adverts, err := RunSession(context.Background(), d, testAddr(t), cfg, false)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !result.HandshakeSuccessful {
		t.Fatal("expected handshake to succeed")
	}
	if result.HandshakeAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.HandshakeAttempts)
	}
	if result.UserAgent != "/fakepeer:0.0/" {
		t.Fatalf("unexpected user agent %q", result.UserAgent)
	}
	if adverts != nil {
		t.Fatalf("expected no adverts when collect=false, got %v", adverts)
	}
}

func TestRunSessionConnectFailureRecordsUnreachable(t *testing.T) {
	d := &fakeDialer{
		timeouts: transport.Timeouts{Message: time.Second, GetAddr: time.Second},
		streams:  []func() (transport.Stream, error){func() (transport.Stream, error) { return nil, errDialFailed }},
	}
	cfg := DefaultConfig()

	result, adverts, err := RunSession(context.Background(), d, testAddr(t), cfg, true)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if result.HandshakeSuccessful {
		t.Fatal("expected handshake to be unsuccessful")
	}
	if result.HandshakeAttempts != 0 {
		t.Fatalf("expected 0 attempts on a bare connect failure, got %d", result.HandshakeAttempts)
	}
	if adverts != nil {
		t.Fatalf("expected no adverts, got %v", adverts)
	}
}

var errDialFailed = &streamsExhaustedError{}

func TestRunSessionHandshakeRetrySucceedsOnSecondAttempt(t *testing.T) {
	client1, srv1 := net.Pipe()
	go func() {
		r := wire.NewReader(srv1, wire.MainNet)
		r.ReadMessage() // read version, then the peer vanishes without replying
		srv1.Close()
	}()

	client2, srv2 := net.Pipe()
	go plainHandshakePeer(srv2, wire.MainNet, nil)

	d := &fakeDialer{
		timeouts: transport.Timeouts{Message: 50 * time.Millisecond, GetAddr: time.Second},
		streams: []func() (transport.Stream, error){
			func() (transport.Stream, error) { return client1, nil },
			func() (transport.Stream, error) { return client2, nil },
		},
	}
	cfg := DefaultConfig()

	result, _, err := RunSession(context.Background(), d, testAddr(t), cfg, false)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !result.HandshakeSuccessful {
		t.Fatal("expected handshake to eventually succeed")
	}
	if result.HandshakeAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.HandshakeAttempts)
	}
	if d.calls != 2 {
		t.Fatalf("expected exactly 2 connect attempts, got %d", d.calls)
	}
}

// TestRunSessionHandshakeExhaustsAllAttempts drives a peer that never
// answers the version message across every attempt, asserting the retry
// loop terminates cleanly at exactly cfg.HandshakeAttempts rather than
// hanging or panicking — testable property #6: the retry count is a hard
// bound "whether or not a peer ever succeeds."
func TestRunSessionHandshakeExhaustsAllAttempts(t *testing.T) {
	cfg := DefaultConfig()
	streams := make([]func() (transport.Stream, error), cfg.HandshakeAttempts)
	for i := range streams {
		client, srv := net.Pipe()
		go func() {
			r := wire.NewReader(srv, wire.MainNet)
			r.ReadMessage() // read version, then the peer vanishes without replying
			srv.Close()
		}()
		streams[i] = func() (transport.Stream, error) { return client, nil }
	}

	d := &fakeDialer{
		timeouts: transport.Timeouts{Message: 20 * time.Millisecond, GetAddr: time.Second},
		streams:  streams,
	}

	result, adverts, err := RunSession(context.Background(), d, testAddr(t), cfg, true)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if result.HandshakeSuccessful {
		t.Fatal("expected handshake to never succeed")
	}
	if result.HandshakeAttempts != cfg.HandshakeAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.HandshakeAttempts, result.HandshakeAttempts)
	}
	if adverts != nil {
		t.Fatalf("expected no adverts, got %v", adverts)
	}
	if d.calls != cfg.HandshakeAttempts {
		t.Fatalf("expected exactly %d connect attempts, got %d", cfg.HandshakeAttempts, d.calls)
	}
}

func TestRunSessionCollectsAdvertisedAddresses(t *testing.T) {
	client, srv := net.Pipe()
	go plainHandshakePeer(srv, wire.MainNet, func(r *wire.Reader, w *wire.Writer) {
		cmd, _, err := r.ReadMessage() // getaddr
		if err != nil || cmd != wire.CmdGetAddr {
			return
		}
		a1, _ := address.ParseHostPort("5.6.7.8:8333")
		a2, _ := address.ParseHostPort("[2001:db8::1]:8333")
		records := []wire.AddrRecord{
			{Timestamp: 1000, Services: 1, Addr: a1},
			{Timestamp: 1001, Services: 1, Addr: a2},
		}
		payload, err := wire.EncodeAddrV2(records)
		if err != nil {
			return
		}
		w.WriteMessage(wire.CmdAddrV2, payload)
	})

	d := &fakeDialer{
		timeouts: transport.Timeouts{Message: time.Second, GetAddr: 500 * time.Millisecond},
		streams:  []func() (transport.Stream, error){func() (transport.Stream, error) { return client, nil }},
	}
	cfg := DefaultConfig()
	cfg.GetAddrAttempts = 1

	result, adverts, err := RunSession(context.Background(), d, testAddr(t), cfg, true)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !result.HandshakeSuccessful {
		t.Fatal("expected handshake to succeed")
	}
	if result.NumAddresses != 2 {
		t.Fatalf("expected 2 addresses, got %d", result.NumAddresses)
	}
	if len(adverts) != 2 {
		t.Fatalf("expected 2 advertised-address records, got %d", len(adverts))
	}
	for _, a := range adverts {
		if a.SourceAddr != testAddr(t) {
			t.Fatalf("expected source addr %v, got %v", testAddr(t), a.SourceAddr)
		}
	}
}

func TestRunSessionGetAddrRetriesExhaustedYieldsZeroRecords(t *testing.T) {
	client1, srv1 := net.Pipe()
	go plainHandshakePeer(srv1, wire.MainNet, func(r *wire.Reader, w *wire.Writer) {
		r.ReadMessage() // getaddr; never answer it
	})
	client2, srv2 := net.Pipe()
	go plainHandshakePeer(srv2, wire.MainNet, func(r *wire.Reader, w *wire.Writer) {
		r.ReadMessage() // getaddr; never answer it either
	})

	d := &fakeDialer{
		timeouts: transport.Timeouts{Message: time.Second, GetAddr: 30 * time.Millisecond},
		streams: []func() (transport.Stream, error){
			func() (transport.Stream, error) { return client1, nil },
			func() (transport.Stream, error) { return client2, nil },
		},
	}
	cfg := DefaultConfig()
	cfg.GetAddrAttempts = 2

	result, adverts, err := RunSession(context.Background(), d, testAddr(t), cfg, true)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !result.HandshakeSuccessful {
		t.Fatal("expected handshake to succeed")
	}
	if result.NumAddresses != 0 || adverts != nil {
		t.Fatalf("expected zero addresses, got %d / %v", result.NumAddresses, adverts)
	}
	if d.calls != 2 {
		t.Fatalf("expected a fresh connection per getaddr attempt, got %d calls", d.calls)
	}
}
