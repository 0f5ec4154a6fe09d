package crawl

import (
	"time"

	"github.com/btcseed/crawler/frontier"
	"github.com/btcseed/crawler/node"
	"github.com/btcseed/crawler/transport"
	"github.com/btcseed/crawler/wire"
)

// Config holds every plain-field knob the crawl controller is configured
// with. It deliberately exposes nothing but data, so a CLI/config layer can
// populate it without importing anything else from this module.
type Config struct {
	NumWorkers        int
	NodeShare         float64 // 0.0-1.0, fraction of reachable nodes whose addresses are recorded
	DelayStart        time.Duration
	RecordAddrData    bool
	HandshakeAttempts int
	GetAddrAttempts   int
	AgeThreshold      time.Duration
	UserAgent         string
	StartHeight       int32
	Magic             wire.Magic
	Seed              int64

	Transport transport.Config
}

// DefaultConfig returns sane defaults: 64 workers, full node-share, no start
// delay, three handshake attempts, two getaddr windows.
func DefaultConfig() Config {
	nodeCfg := node.DefaultConfig()
	return Config{
		NumWorkers:        64,
		NodeShare:         1.0,
		DelayStart:        0,
		RecordAddrData:    true,
		HandshakeAttempts: nodeCfg.HandshakeAttempts,
		GetAddrAttempts:   nodeCfg.GetAddrAttempts,
		AgeThreshold:      frontier.DefaultAgeThreshold,
		UserAgent:         nodeCfg.UserAgent,
		StartHeight:       nodeCfg.StartHeight,
		Magic:             nodeCfg.Magic,
		Seed:              1,
		Transport:         transport.DefaultConfig(),
	}
}
