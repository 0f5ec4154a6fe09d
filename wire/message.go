package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/btcseed/crawler/address"
)

// protocolVersion is passed to btcd/wire's CompactSize helpers; it does not
// gate any encoding decision this codec makes, but the helpers require one.
const protocolVersion = 70016

// MaxAddrRecords is the maximum number of records a single addr/addrv2
// message may declare (BIP155 / bitcoin-core's MAX_ADDR_TO_SEND).
const MaxAddrRecords = 1000

const (
	CmdVersion    = "version"
	CmdVerAck     = "verack"
	CmdPing       = "ping"
	CmdPong       = "pong"
	CmdGetAddr    = "getaddr"
	CmdSendAddrV2 = "sendaddrv2"
	CmdAddr       = "addr"
	CmdAddrV2     = "addrv2"
)

// VersionMsg is the payload of the `version` message.
type VersionMsg struct {
	ProtocolVersion int32
	Services        uint64
	Timestamp       int64
	Nonce           uint64
	UserAgent       string
	StartHeight     int32
	Relay           bool
}

// NewVersionMsg builds the version announcement this crawler sends
// immediately after connect: a random non-zero nonce, a short identifying
// user agent, zeroed recv/from addresses (peers never act on these for an
// outbound-only client), and relay disabled since this client never
// requests transaction relay.
func NewVersionMsg(userAgent string, startHeight int32) (VersionMsg, error) {
	nonce, err := randomNonzeroUint64()
	if err != nil {
		return VersionMsg{}, err
	}
	return VersionMsg{
		ProtocolVersion: protocolVersion,
		Services:        0,
		Timestamp:       time.Now().Unix(),
		Nonce:           nonce,
		UserAgent:       userAgent,
		StartHeight:     startHeight,
		Relay:           false,
	}, nil
}

func randomNonzeroUint64() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate nonce: %w", err)
		}
		v := binary.LittleEndian.Uint64(b[:])
		if v != 0 {
			return v, nil
		}
	}
}

// writeZeroNetAddr writes the 26-byte (services+ip+port) net-addr form used for
// addr-recv/addr-from in `version`, which may legally be all-zero.
func writeZeroNetAddr(buf *bytes.Buffer) {
	buf.Write(make([]byte, 26))
}

// EncodeVersion serializes a VersionMsg payload.
func EncodeVersion(m VersionMsg) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, m.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.Services); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.Timestamp); err != nil {
		return nil, err
	}
	writeZeroNetAddr(&buf) // addr-recv
	writeZeroNetAddr(&buf) // addr-from
	if err := binary.Write(&buf, binary.LittleEndian, m.Nonce); err != nil {
		return nil, err
	}
	if err := btcwire.WriteVarString(&buf, protocolVersion, m.UserAgent); err != nil {
		return nil, fmt.Errorf("write user agent: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.StartHeight); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(boolByte(m.Relay)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeVersion parses a peer's `version` payload. Only the fields the
// crawler records are extracted; addr-recv/addr-from are skipped.
func DecodeVersion(payload []byte) (VersionMsg, error) {
	r := bytes.NewReader(payload)
	var m VersionMsg

	if err := binary.Read(r, binary.LittleEndian, &m.ProtocolVersion); err != nil {
		return m, fmt.Errorf("read protocol version: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Services); err != nil {
		return m, fmt.Errorf("read services: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Timestamp); err != nil {
		return m, fmt.Errorf("read timestamp: %w", err)
	}
	if err := discardN(r, 26); err != nil { // addr-recv
		return m, fmt.Errorf("read addr-recv: %w", err)
	}
	if err := discardN(r, 26); err != nil { // addr-from
		return m, fmt.Errorf("read addr-from: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Nonce); err != nil {
		return m, fmt.Errorf("read nonce: %w", err)
	}
	ua, err := btcwire.ReadVarString(r, protocolVersion)
	if err != nil {
		return m, fmt.Errorf("read user agent: %w", err)
	}
	m.UserAgent = ua
	if err := binary.Read(r, binary.LittleEndian, &m.StartHeight); err != nil {
		return m, fmt.Errorf("read start height: %w", err)
	}
	// relay flag may legally be absent on very old peers; default true-ish
	// values never matter to this crawler since it never requests relay.
	var relayByte [1]byte
	if _, err := r.Read(relayByte[:]); err == nil {
		m.Relay = relayByte[0] != 0
	}
	return m, nil
}

func discardN(r *bytes.Reader, n int) error {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// EncodeEmpty serializes the zero-payload messages: verack, getaddr,
// sendaddrv2.
func EncodeEmpty() []byte { return nil }

// PingPongMsg carries the 8-byte nonce exchanged during keepalive.
type PingPongMsg struct {
	Nonce uint64
}

func EncodePing(m PingPongMsg) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], m.Nonce)
	return buf[:]
}

func DecodePingPong(payload []byte) (PingPongMsg, error) {
	if len(payload) != 8 {
		return PingPongMsg{}, fmt.Errorf("ping/pong payload: expected 8 bytes, got %d", len(payload))
	}
	return PingPongMsg{Nonce: binary.LittleEndian.Uint64(payload)}, nil
}

// AddrRecord is one entry of a decoded addr/addrv2 message.
type AddrRecord struct {
	Timestamp uint32
	Services  uint64
	Addr      address.Address
}

// DecodeAddr parses a legacy `addr` payload: var-int count (<=1000), then
// count * (uint32 timestamp, uint64 services, 16-byte addr, be-uint16 port).
func DecodeAddr(payload []byte) ([]AddrRecord, error) {
	r := bytes.NewReader(payload)
	count, err := btcwire.ReadVarInt(r, protocolVersion)
	if err != nil {
		return nil, fmt.Errorf("read addr count: %w", err)
	}
	if count > MaxAddrRecords {
		return nil, fmt.Errorf("addr count %d exceeds max %d", count, MaxAddrRecords)
	}

	out := make([]AddrRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		var ts uint32
		var services uint64
		var ip [16]byte
		var portBE [2]byte

		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return nil, fmt.Errorf("addr[%d]: read timestamp: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &services); err != nil {
			return nil, fmt.Errorf("addr[%d]: read services: %w", i, err)
		}
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return nil, fmt.Errorf("addr[%d]: read address: %w", i, err)
		}
		if _, err := io.ReadFull(r, portBE[:]); err != nil {
			return nil, fmt.Errorf("addr[%d]: read port: %w", i, err)
		}
		port := binary.BigEndian.Uint16(portBE[:])

		out = append(out, AddrRecord{
			Timestamp: ts,
			Services:  services,
			Addr:      address.FromLegacyAddrBytes(ip, port),
		})
	}
	return out, nil
}

// EncodeAddr serializes a legacy `addr` payload. Records whose Kind has no
// legacy representation (Onion, I2P) make EncodeAddr return an error rather
// than drop them silently.
func EncodeAddr(records []AddrRecord) ([]byte, error) {
	if len(records) > MaxAddrRecords {
		return nil, fmt.Errorf("addr count %d exceeds max %d", len(records), MaxAddrRecords)
	}
	var buf bytes.Buffer
	if err := btcwire.WriteVarInt(&buf, protocolVersion, uint64(len(records))); err != nil {
		return nil, err
	}
	for i, rec := range records {
		if err := binary.Write(&buf, binary.LittleEndian, rec.Timestamp); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, rec.Services); err != nil {
			return nil, err
		}
		legacy, err := rec.Addr.LegacyAddrBytes()
		if err != nil {
			return nil, fmt.Errorf("addr[%d]: %w", i, err)
		}
		buf.Write(legacy[:])
		var portBE [2]byte
		binary.BigEndian.PutUint16(portBE[:], rec.Addr.Port())
		buf.Write(portBE[:])
	}
	return buf.Bytes(), nil
}

// DecodeAddrV2 parses an `addrv2` payload: var-int count (<=1000), then
// count * (uint32 timestamp, var-int services, uint8 network-id, var-bytes
// address, be-uint16 port). TorV2 (network-id 3) records are recognized and
// skipped rather than erroring, matching the legacy peer-compat behavior
// bitcoin-core itself exhibits for a network-id it no longer originates.
func DecodeAddrV2(payload []byte) ([]AddrRecord, error) {
	r := bytes.NewReader(payload)
	count, err := btcwire.ReadVarInt(r, protocolVersion)
	if err != nil {
		return nil, fmt.Errorf("read addrv2 count: %w", err)
	}
	if count > MaxAddrRecords {
		return nil, fmt.Errorf("addrv2 count %d exceeds max %d", count, MaxAddrRecords)
	}

	out := make([]AddrRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		var ts uint32
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return nil, fmt.Errorf("addrv2[%d]: read timestamp: %w", i, err)
		}
		services, err := btcwire.ReadVarInt(r, protocolVersion)
		if err != nil {
			return nil, fmt.Errorf("addrv2[%d]: read services: %w", i, err)
		}
		netIDByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("addrv2[%d]: read network-id: %w", i, err)
		}
		addrLen, err := btcwire.ReadVarInt(r, protocolVersion)
		if err != nil {
			return nil, fmt.Errorf("addrv2[%d]: read address length: %w", i, err)
		}
		addrBytes := make([]byte, addrLen)
		if _, err := io.ReadFull(r, addrBytes); err != nil {
			return nil, fmt.Errorf("addrv2[%d]: read address bytes: %w", i, err)
		}
		var portBE [2]byte
		if _, err := io.ReadFull(r, portBE[:]); err != nil {
			return nil, fmt.Errorf("addrv2[%d]: read port: %w", i, err)
		}
		port := binary.BigEndian.Uint16(portBE[:])

		if netIDByte == address.NetIDTorV2 {
			continue // recognized but obsolete; no Kind models it
		}
		wantLen, ok := address.BIP155AddrLen(netIDByte)
		if !ok {
			return nil, fmt.Errorf("addrv2[%d]: unrecognized network-id %d", i, netIDByte)
		}
		if int(addrLen) != wantLen {
			return nil, fmt.Errorf("addrv2[%d]: network-id %d expects %d address bytes, got %d", i, netIDByte, wantLen, addrLen)
		}

		addr, err := address.FromBIP155(netIDByte, addrBytes, port)
		if err != nil {
			return nil, fmt.Errorf("addrv2[%d]: %w", i, err)
		}
		out = append(out, AddrRecord{Timestamp: ts, Services: services, Addr: addr})
	}
	return out, nil
}

// EncodeAddrV2 serializes an `addrv2` payload.
func EncodeAddrV2(records []AddrRecord) ([]byte, error) {
	if len(records) > MaxAddrRecords {
		return nil, fmt.Errorf("addrv2 count %d exceeds max %d", len(records), MaxAddrRecords)
	}
	var buf bytes.Buffer
	if err := btcwire.WriteVarInt(&buf, protocolVersion, uint64(len(records))); err != nil {
		return nil, err
	}
	for i, rec := range records {
		if err := binary.Write(&buf, binary.LittleEndian, rec.Timestamp); err != nil {
			return nil, err
		}
		if err := btcwire.WriteVarInt(&buf, protocolVersion, rec.Services); err != nil {
			return nil, fmt.Errorf("addrv2[%d]: write services: %w", i, err)
		}
		netID, addrBytes, err := rec.Addr.ToBIP155()
		if err != nil {
			return nil, fmt.Errorf("addrv2[%d]: %w", i, err)
		}
		if err := buf.WriteByte(netID); err != nil {
			return nil, err
		}
		if err := btcwire.WriteVarInt(&buf, protocolVersion, uint64(len(addrBytes))); err != nil {
			return nil, err
		}
		buf.Write(addrBytes)
		var portBE [2]byte
		binary.BigEndian.PutUint16(portBE[:], rec.Addr.Port())
		buf.Write(portBE[:])
	}
	return buf.Bytes(), nil
}
