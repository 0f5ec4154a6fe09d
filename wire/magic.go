package wire

import "github.com/btcsuite/btcd/wire"

// Magic identifies which Bitcoin network a connection is framed for. It
// reuses btcd/wire's BitcoinNet type so the crawler's magic constants agree
// bit-for-bit with the reference Go Bitcoin stack.
type Magic = wire.BitcoinNet

// Network magics a crawl may target. MainNet is the default; the others
// exist so the codec can be exercised against test networks without
// touching mainnet peers.
const (
	MainNet    = wire.MainNet
	TestNet3   = wire.TestNet3
	SimNet     = wire.SimNet
	RegTestNet = wire.TestNet
)
