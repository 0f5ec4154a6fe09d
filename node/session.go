package node

import (
	"context"
	"fmt"
	"time"

	"github.com/btcseed/crawler/address"
	"github.com/btcseed/crawler/transport"
	"github.com/btcseed/crawler/wire"
)

// peerConn bundles a live transport stream with the framed reader/writer
// built on top of it, so the handshake and collection stages share exactly
// one bufio.Reader over the stream's lifetime — rewrapping it mid-session
// would risk losing bytes the old wrapper had already buffered.
type peerConn struct {
	stream transport.Stream
	r      *wire.Reader
	w      *wire.Writer
}

func (c *peerConn) close() {
	if c != nil && c.stream != nil {
		c.stream.Close()
	}
}

// RunSession drives one Address through the full state machine: connect,
// handshake (with retries), and — when collect is true and the handshake
// succeeded — a getaddr collection window (with its own retries). The
// returned error is non-nil only when ctx was cancelled; per the crawl's
// cancellation contract, the caller must not emit a Result in that case.
func RunSession(ctx context.Context, d Dialer, addr address.Address, cfg Config, collect bool) (Result, []AdvertisedAddress, error) {
	result := Result{Addr: addr}

	conn, connectDur, versionDur, verackDur, attempts, err := connectWithRetries(ctx, d, addr, cfg)
	result.LatencyConnect = connectDur
	result.HandshakeAttempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, nil, ctx.Err()
		}
		// Every attempt was a transport-open or handshake failure; the node
		// is recorded as unreachable (zero attempts) or handshake-failed
		// (one or more attempts; fewer than cfg.HandshakeAttempts when a
		// reconnect for a retry could not be opened).
		result.Timestamp = time.Now()
		return result, nil, nil
	}

	result.HandshakeSuccessful = true
	result.ProtocolVersion = conn.versionMsg.ProtocolVersion
	result.UserAgent = conn.versionMsg.UserAgent
	result.Services = conn.versionMsg.Services
	result.StartHeight = conn.versionMsg.StartHeight
	result.LatencyVersionHandshake = versionDur
	result.LatencyVerAckHandshake = verackDur

	if !collect {
		conn.conn.close()
		result.Timestamp = time.Now()
		return result, nil, nil
	}

	adverts, err := runCollection(ctx, d, addr, cfg, conn.conn, &result)
	if err != nil {
		return Result{}, nil, err
	}
	result.Timestamp = time.Now()
	return result, adverts, nil
}

type handshakeOutcome struct {
	conn       *peerConn
	versionMsg wire.VersionMsg
}

// connectWithRetries implements Connecting/Handshaking/Handshake-failed: a
// plain connect failure is terminal (never retried), but once a stream is
// open, a handshake failure is retried with a fresh stream up to
// cfg.HandshakeAttempts times total.
func connectWithRetries(ctx context.Context, d Dialer, addr address.Address, cfg Config) (*handshakeOutcome, time.Duration, time.Duration, time.Duration, int, error) {
	timeouts := d.Timeouts(addr)

	connectStart := time.Now()
	stream, err := d.Open(ctx, addr)
	connectDur := time.Since(connectStart)
	if err != nil {
		return nil, connectDur, 0, 0, 0, fmt.Errorf("open %s: %w", addr, err)
	}

	attempts := 0
	for {
		attempts++
		if ctx.Err() != nil {
			stream.Close()
			return nil, connectDur, 0, 0, attempts, ctx.Err()
		}

		conn := &peerConn{stream: stream, r: wire.NewReader(stream, cfg.Magic), w: wire.NewWriter(stream, cfg.Magic)}
		versionMsg, versionDur, verackDur, err := doHandshake(conn, timeouts.Message, cfg, addr)
		if err == nil {
			return &handshakeOutcome{conn: conn, versionMsg: versionMsg}, connectDur, versionDur, verackDur, attempts, nil
		}

		conn.close()
		if attempts >= cfg.HandshakeAttempts {
			return nil, connectDur, 0, 0, attempts, fmt.Errorf("handshake with %s: %w", addr, err)
		}

		// Fresh stream for the retry; re-time the new connect so
		// LatencyConnect reflects whichever attempt ultimately succeeded.
		connectStart = time.Now()
		stream, err = d.Open(ctx, addr)
		connectDur = time.Since(connectStart)
		if err != nil {
			return nil, connectDur, 0, 0, attempts, fmt.Errorf("reconnect %s: %w", addr, err)
		}
	}
}

// doHandshake performs the version/sendaddrv2/verack exchange on an
// already-open connection, answering any ping it sees along the way.
func doHandshake(c *peerConn, messageTimeout time.Duration, cfg Config, addr address.Address) (wire.VersionMsg, time.Duration, time.Duration, error) {
	start := time.Now()

	ourVersion, err := wire.NewVersionMsg(cfg.UserAgent, cfg.StartHeight)
	if err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("build version message: %w", err)
	}
	payload, err := wire.EncodeVersion(ourVersion)
	if err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("encode version: %w", err)
	}
	if err := c.w.WriteMessage(wire.CmdVersion, payload); err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("send version: %w", err)
	}

	peerVersion, err := readUntil(c, messageTimeout, wire.CmdVersion)
	if err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("await version: %w", err)
	}
	versionMsg, err := wire.DecodeVersion(peerVersion)
	if err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("decode version: %w", err)
	}
	versionDur := time.Since(start)

	if err := c.w.WriteMessage(wire.CmdSendAddrV2, wire.EncodeEmpty()); err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("send sendaddrv2: %w", err)
	}
	if err := c.w.WriteMessage(wire.CmdVerAck, wire.EncodeEmpty()); err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("send verack: %w", err)
	}

	if _, err := readUntil(c, messageTimeout, wire.CmdVerAck); err != nil {
		return wire.VersionMsg{}, 0, 0, fmt.Errorf("await verack: %w", err)
	}
	verackDur := time.Since(start) - versionDur

	return versionMsg, versionDur, verackDur, nil
}

// readUntil reads framed messages, answering any ping it sees, until it
// receives a message with the given command or the message-timeout expires.
// Commands other than ping and want are ignored, matching the handshake and
// collection stages' "ignore other commands" rule.
func readUntil(c *peerConn, messageTimeout time.Duration, want string) ([]byte, error) {
	for {
		if err := c.stream.SetReadDeadline(time.Now().Add(messageTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		command, payload, err := c.r.ReadMessage()
		if err != nil {
			return nil, err
		}
		if command == want {
			return payload, nil
		}
		if command == wire.CmdPing {
			if err := answerPing(c, payload); err != nil {
				return nil, err
			}
		}
	}
}

func answerPing(c *peerConn, payload []byte) error {
	ping, err := wire.DecodePingPong(payload)
	if err != nil {
		// Some peers send a zero-length ping on old protocol versions;
		// nothing to echo back in that case.
		return nil
	}
	pong := wire.EncodePing(wire.PingPongMsg{Nonce: ping.Nonce})
	return c.w.WriteMessage(wire.CmdPong, pong)
}

// runCollection implements Ready → Collecting: send getaddr, accumulate
// addr/addrv2 records for up to the getaddr-timeout window, and retry with a
// fresh connection (re-handshaking) up to cfg.GetAddrAttempts times total if
// a window closes with zero records.
func runCollection(ctx context.Context, d Dialer, addr address.Address, cfg Config, conn *peerConn, result *Result) ([]AdvertisedAddress, error) {
	timeouts := d.Timeouts(addr)
	var adverts []AdvertisedAddress

	for attempt := 1; attempt <= cfg.GetAddrAttempts; attempt++ {
		if ctx.Err() != nil {
			conn.close()
			return nil, ctx.Err()
		}

		if attempt > 1 {
			conn.close()
			fresh, _, _, _, _, err := connectWithRetries(ctx, d, addr, cfg)
			if err != nil {
				// Can't reconnect for a further window; collection simply
				// ends with whatever (nothing) has been gathered so far.
				return adverts, nil
			}
			conn = fresh.conn
		}

		records, numMessages, first, last, err := collectWindow(conn, timeouts.GetAddr, addr)
		if err != nil && ctx.Err() != nil {
			conn.close()
			return nil, ctx.Err()
		}

		result.NumAddrMessages += numMessages
		if len(records) > 0 {
			result.NumAddresses += len(records)
			if result.TimeFirstAddr.IsZero() || first.Before(result.TimeFirstAddr) {
				result.TimeFirstAddr = first
			}
			if last.After(result.TimeLastAddr) {
				result.TimeLastAddr = last
			}
			for _, rec := range records {
				adverts = append(adverts, AdvertisedAddress{
					SourceAddr: addr,
					Addr:       rec.Addr,
					Timestamp:  rec.Timestamp,
					Services:   rec.Services,
				})
			}
			break
		}
	}

	conn.close()
	return adverts, nil
}

// collectWindow sends getaddr and reads messages until getaddrTimeout
// elapses, accumulating every addr/addrv2 record and answering pings.
// Expiry of the window is expected, not an error.
func collectWindow(c *peerConn, getAddrTimeout time.Duration, addr address.Address) (records []wire.AddrRecord, numMessages int, first, last time.Time, err error) {
	if err := c.w.WriteMessage(wire.CmdGetAddr, wire.EncodeEmpty()); err != nil {
		return nil, 0, time.Time{}, time.Time{}, fmt.Errorf("send getaddr to %s: %w", addr, err)
	}

	deadline := time.Now().Add(getAddrTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return records, numMessages, first, last, nil
		}
		if err := c.stream.SetReadDeadline(deadline); err != nil {
			return records, numMessages, first, last, fmt.Errorf("set read deadline: %w", err)
		}
		command, payload, rerr := c.r.ReadMessage()
		if rerr != nil {
			// Timeout closing the window is the expected, non-error exit.
			return records, numMessages, first, last, nil
		}

		switch command {
		case wire.CmdAddr:
			recs, derr := wire.DecodeAddr(payload)
			if derr != nil {
				continue // a malformed addr from an otherwise-fine peer is skipped, not fatal
			}
			records = append(records, recs...)
			numMessages++
			now := time.Now()
			if first.IsZero() {
				first = now
			}
			last = now
		case wire.CmdAddrV2:
			recs, derr := wire.DecodeAddrV2(payload)
			if derr != nil {
				continue
			}
			records = append(records, recs...)
			numMessages++
			now := time.Now()
			if first.IsZero() {
				first = now
			}
			last = now
		case wire.CmdPing:
			_ = answerPing(c, payload)
		default:
			// ignored per the collection stage's rule
		}
	}
}
