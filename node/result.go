package node

import (
	"time"

	"github.com/btcseed/crawler/address"
)

// Result is everything one terminated session learned about an Address: it
// is built up field by field as the state machine progresses and is never
// mutated again once the session returns it.
type Result struct {
	Addr      address.Address
	Timestamp time.Time // when the session was recorded

	HandshakeSuccessful bool
	HandshakeAttempts   int
	ProtocolVersion     int32
	UserAgent           string
	Services            uint64
	StartHeight         int32

	LatencyConnect          time.Duration
	LatencyVersionHandshake time.Duration
	LatencyVerAckHandshake  time.Duration

	NumAddrMessages int
	NumAddresses    int
	TimeFirstAddr   time.Time
	TimeLastAddr    time.Time
}

// AdvertisedAddress is one (source, advertised) pair learned from a peer's
// addr/addrv2 reply during the collection window.
type AdvertisedAddress struct {
	SourceAddr address.Address
	Addr       address.Address
	Timestamp  uint32
	Services   uint64
}
