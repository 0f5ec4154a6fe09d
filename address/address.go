// Package address implements the crawler's address model: a tagged union
// over the five network kinds the crawl can reach, their canonical textual
// forms, and the BIP155 binary encoding used on the wire.
package address

import (
	"encoding/base32"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/sha3"
)

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

const onionV3Version = 0x03

// Kind tags which network family an Address belongs to. It drives transport
// selection, BIP155 network-id mapping, and dedup hashing.
type Kind uint8

const (
	IPv4 Kind = iota
	IPv6
	OnionV3
	I2P
	CJDNS
)

func (k Kind) String() string {
	switch k {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case OnionV3:
		return "onion"
	case I2P:
		return "i2p"
	case CJDNS:
		return "cjdns"
	default:
		return "unknown"
	}
}

// BIP155 network-id byte values (BIP155, addrv2). TorV2 (3) is recognized by
// the wire decoder only so it can be skipped; it has no Kind of its own.
const (
	NetIDIPv4  uint8 = 1
	NetIDIPv6  uint8 = 2
	NetIDTorV2 uint8 = 3
	NetIDTorV3 uint8 = 4
	NetIDI2P   uint8 = 5
	NetIDCJDNS uint8 = 6
)

// BIP155AddrLen returns the expected address byte length for a network-id, or
// false if the id is unrecognized.
func BIP155AddrLen(networkID uint8) (int, bool) {
	switch networkID {
	case NetIDIPv4:
		return 4, true
	case NetIDIPv6:
		return 16, true
	case NetIDTorV3:
		return 32, true
	case NetIDI2P:
		return 32, true
	case NetIDCJDNS:
		return 16, true
	default:
		return 0, false
	}
}

// Address is the crawler's identity for a network endpoint. It is a plain
// comparable struct so it can be used directly as a map key for dedup: two
// Addresses are equal iff their (kind, canonical text, port) triples match.
type Address struct {
	kind Kind
	text string // canonical textual form, no port, no .onion/.b32.i2p suffix
	port uint16
}

// Kind returns the address's network kind.
func (a Address) Kind() Kind { return a.kind }

// Port returns the address's port.
func (a Address) Port() uint16 { return a.port }

// Host returns the canonical textual host, without any port or suffix.
func (a Address) Host() string { return a.text }

// String returns the canonical "host:port" form, with the network suffix
// restored for Onion/I2P so the result is directly dialable.
func (a Address) String() string {
	host := a.text
	switch a.kind {
	case OnionV3:
		host += ".onion"
	case I2P:
		host += ".b32.i2p"
	case IPv6, CJDNS:
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, a.port)
}

const (
	onionV3TextLen = 56
	i2pB32TextLen  = 52
)

// ParseHostPort parses a "host:port" string into an Address, inferring the
// Kind from the host's shape. It refuses mixed forms: an IPv6 literal is
// never accepted where an Onion/I2P suffix was expected and vice versa.
func ParseHostPort(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("split host:port %q: %w", s, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Address{}, err
	}

	lower := strings.ToLower(host)
	switch {
	case strings.HasSuffix(lower, ".onion"):
		base := strings.TrimSuffix(lower, ".onion")
		if len(base) != onionV3TextLen {
			return Address{}, fmt.Errorf("onion address %q: expected %d-char v3 label, got %d", host, onionV3TextLen, len(base))
		}
		return Address{kind: OnionV3, text: base, port: port}, nil
	case strings.HasSuffix(lower, ".b32.i2p"):
		base := strings.TrimSuffix(lower, ".b32.i2p")
		if len(base) != i2pB32TextLen {
			return Address{}, fmt.Errorf("i2p address %q: expected %d-char b32 label, got %d", host, i2pB32TextLen, len(base))
		}
		return Address{kind: I2P, text: base, port: port}, nil
	default:
		ip := net.ParseIP(lower)
		if ip == nil {
			return Address{}, fmt.Errorf("host %q is neither an IP literal nor a recognized onion/i2p suffix", host)
		}
		return fromIP(ip, port), nil
	}
}

// fromIP canonicalizes a net.IP into an Address, downcasting IPv4-mapped
// IPv6 to IPv4 and classifying the fc00::/8 CJDNS range.
func fromIP(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{kind: IPv4, text: v4.String(), port: port}
	}
	v6 := ip.To16()
	if isCJDNS(v6) {
		return Address{kind: CJDNS, text: v6.String(), port: port}
	}
	return Address{kind: IPv6, text: v6.String(), port: port}
}

// isCJDNS reports whether a 16-byte IPv6 address falls within fc00::/8.
func isCJDNS(ip net.IP) bool {
	return len(ip) == net.IPv6len && ip[0] == 0xfc
}

func parsePort(s string) (uint16, error) {
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0, fmt.Errorf("parse port %q: %w", s, err)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return uint16(p), nil
}

// FromBIP155 builds an Address from a BIP155 network-id and its raw address
// bytes (as carried in an addrv2 record). The network-id determines both the
// Kind and the required byte length; a CJDNS-range IPv6 value received with
// network-id=2 stays IPv6 (it was NOT advertised as CJDNS), while the same
// bytes received with network-id=6 become Kind CJDNS — network-id is
// canonicalized into the Kind before any hashing, so the two are distinct
// addresses for dedup purposes even though their bytes coincide.
func FromBIP155(networkID uint8, addrBytes []byte, port uint16) (Address, error) {
	wantLen, ok := BIP155AddrLen(networkID)
	if !ok {
		return Address{}, fmt.Errorf("unrecognized BIP155 network-id %d", networkID)
	}
	if len(addrBytes) != wantLen {
		return Address{}, fmt.Errorf("network-id %d: expected %d address bytes, got %d", networkID, wantLen, len(addrBytes))
	}

	switch networkID {
	case NetIDIPv4:
		ip := net.IPv4(addrBytes[0], addrBytes[1], addrBytes[2], addrBytes[3])
		return Address{kind: IPv4, text: ip.To4().String(), port: port}, nil
	case NetIDIPv6:
		ip := net.IP(append([]byte(nil), addrBytes...))
		if v4 := ip.To4(); v4 != nil {
			return Address{kind: IPv4, text: v4.String(), port: port}, nil
		}
		return Address{kind: IPv6, text: ip.String(), port: port}, nil
	case NetIDCJDNS:
		ip := net.IP(append([]byte(nil), addrBytes...))
		return Address{kind: CJDNS, text: ip.String(), port: port}, nil
	case NetIDTorV3:
		label, err := encodeOnionV3Label(addrBytes)
		if err != nil {
			return Address{}, err
		}
		return Address{kind: OnionV3, text: label, port: port}, nil
	case NetIDI2P:
		return Address{kind: I2P, text: encodeI2PLabel(addrBytes), port: port}, nil
	default:
		return Address{}, fmt.Errorf("unsupported BIP155 network-id %d", networkID)
	}
}

// ToBIP155 returns the network-id and raw address bytes for the wire
// encoder. It is the exact inverse of FromBIP155 for every Kind this model
// supports.
func (a Address) ToBIP155() (networkID uint8, addrBytes []byte, err error) {
	switch a.kind {
	case IPv4:
		ip := net.ParseIP(a.text).To4()
		if ip == nil {
			return 0, nil, fmt.Errorf("address %q is not a valid IPv4 literal", a.text)
		}
		return NetIDIPv4, append([]byte(nil), ip...), nil
	case IPv6:
		ip := net.ParseIP(a.text).To16()
		if ip == nil {
			return 0, nil, fmt.Errorf("address %q is not a valid IPv6 literal", a.text)
		}
		return NetIDIPv6, append([]byte(nil), ip...), nil
	case CJDNS:
		ip := net.ParseIP(a.text).To16()
		if ip == nil {
			return 0, nil, fmt.Errorf("address %q is not a valid CJDNS literal", a.text)
		}
		return NetIDCJDNS, append([]byte(nil), ip...), nil
	case OnionV3:
		raw, err := decodeOnionV3Label(a.text)
		if err != nil {
			return 0, nil, err
		}
		return NetIDTorV3, raw, nil
	case I2P:
		raw, err := decodeI2PLabel(a.text)
		if err != nil {
			return 0, nil, err
		}
		return NetIDI2P, raw, nil
	default:
		return 0, nil, fmt.Errorf("unknown address kind %d", a.kind)
	}
}

// LegacyAddrBytes returns the 16-byte IPv4-mapped legacy-`addr`-message
// representation for Kinds that support it (IPv4, IPv6, CJDNS). Onion and
// I2P addresses have no legacy `addr` representation and return an error;
// callers must use `addrv2` for those.
func (a Address) LegacyAddrBytes() ([16]byte, error) {
	var out [16]byte
	switch a.kind {
	case IPv4:
		ip := net.ParseIP(a.text).To4()
		if ip == nil {
			return out, fmt.Errorf("address %q is not a valid IPv4 literal", a.text)
		}
		mapped := net.IPv4(ip[0], ip[1], ip[2], ip[3]).To16()
		copy(out[:], mapped)
		return out, nil
	case IPv6, CJDNS:
		ip := net.ParseIP(a.text).To16()
		if ip == nil {
			return out, fmt.Errorf("address %q is not a valid IPv6 literal", a.text)
		}
		copy(out[:], ip)
		return out, nil
	default:
		return out, fmt.Errorf("kind %s has no legacy addr representation", a.kind)
	}
}

// FromLegacyAddrBytes builds an Address from the 16-byte IPv4-mapped form
// used by the legacy `addr` message, downcasting IPv4-mapped values and
// classifying the fc00::/8 range as CJDNS exactly as fromIP does. (FromBIP155
// differs here: it takes the Kind from the network-id, so fc00::/8 bytes
// under network-id 2 stay IPv6.)
func FromLegacyAddrBytes(b [16]byte, port uint16) Address {
	return fromIP(net.IP(b[:]), port)
}

// encodeOnionV3Label renders a 32-byte Ed25519 public key as the 56-char
// base32 v3 onion label (pubkey || checksum || version), per rend-spec-v3
// §6: checksum = SHA3-256(".onion checksum" || pubkey || version)[:2].
func encodeOnionV3Label(pubkey []byte) (string, error) {
	if len(pubkey) != 32 {
		return "", fmt.Errorf("onion pubkey: expected 32 bytes, got %d", len(pubkey))
	}
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey)
	h.Write([]byte{onionV3Version})
	checksum := h.Sum(nil)[:2]

	decoded := make([]byte, 0, 35)
	decoded = append(decoded, pubkey...)
	decoded = append(decoded, checksum...)
	decoded = append(decoded, onionV3Version)
	return strings.ToLower(base32NoPad.EncodeToString(decoded)), nil
}

// decodeOnionV3Label parses the 56-char base32 v3 onion label back into its
// 32-byte public key, validating the embedded checksum and version byte.
func decodeOnionV3Label(label string) ([]byte, error) {
	decoded, err := base32NoPad.DecodeString(strings.ToUpper(label))
	if err != nil {
		return nil, fmt.Errorf("decode onion label %q: %w", label, err)
	}
	if len(decoded) != 35 {
		return nil, fmt.Errorf("onion label %q: decoded length %d, expected 35", label, len(decoded))
	}
	pubkey := decoded[:32]
	checksum := decoded[32:34]
	version := decoded[34]
	if version != onionV3Version {
		return nil, fmt.Errorf("onion label %q: unsupported version %d", label, version)
	}

	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey)
	h.Write([]byte{version})
	want := h.Sum(nil)[:2]
	if checksum[0] != want[0] || checksum[1] != want[1] {
		return nil, fmt.Errorf("onion label %q: checksum mismatch", label)
	}
	return append([]byte(nil), pubkey...), nil
}

func encodeI2PLabel(dest []byte) string {
	return strings.ToLower(base32NoPad.EncodeToString(dest))
}

func decodeI2PLabel(label string) ([]byte, error) {
	b, err := base32NoPad.DecodeString(strings.ToUpper(label))
	if err != nil {
		return nil, fmt.Errorf("decode i2p label %q: %w", label, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("i2p destination hash: expected 32 bytes, got %d", len(b))
	}
	return b, nil
}

