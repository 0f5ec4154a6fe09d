// Package sink writes the crawl's two result streams — reachable nodes and
// advertised addresses — as append-only CSV files under a per-crawl result
// directory, plus an optional debug log file alongside them.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcseed/crawler/node"
)

var reachableNodesHeader = []string{
	"timestamp", "address", "port", "network",
	"handshake_successful", "protocol_version", "user_agent", "services", "start_height",
	"latency_connect", "latency_version_handshake", "latency_verack_handshake",
	"num_addr_messages", "num_addresses", "time_first_addr", "time_last_addr",
}

var advertisedAddressesHeader = []string{
	"source_address", "source_port", "source_network",
	"advertised_timestamp", "advertised_services",
	"advertised_address", "advertised_port", "advertised_network",
}

const (
	reachableNodesFile      = "reachable-nodes.csv"
	advertisedAddressesFile = "advertised-addresses.csv"
	debugLogFile            = "debug.log"
)

// Dir is one crawl's result directory: two CSV writers and an optional debug
// log file, all created under result-path/<timestamp>/.
type Dir struct {
	path string

	nodesMu sync.Mutex
	nodes   *csv.Writer
	nodesF  *os.File

	advertMu sync.Mutex
	advert   *csv.Writer
	advertF  *os.File

	debugLog *os.File
}

// Open creates resultPath/<timestamp>/ (recursively) and the two CSV files
// with their headers already written. If storeDebugLog is true, a debug.log
// file is also created in the same directory; callers can point a slog
// handler at it.
func Open(resultPath string, timestamp time.Time, storeDebugLog bool) (*Dir, error) {
	dirPath := filepath.Join(resultPath, timestamp.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, fmt.Errorf("create result dir %s: %w", dirPath, err)
	}

	nodesF, nodesW, err := openCSV(filepath.Join(dirPath, reachableNodesFile), reachableNodesHeader)
	if err != nil {
		return nil, err
	}
	advertF, advertW, err := openCSV(filepath.Join(dirPath, advertisedAddressesFile), advertisedAddressesHeader)
	if err != nil {
		nodesF.Close()
		return nil, err
	}

	d := &Dir{
		path:    dirPath,
		nodes:   nodesW,
		nodesF:  nodesF,
		advert:  advertW,
		advertF: advertF,
	}

	if storeDebugLog {
		logF, err := os.OpenFile(filepath.Join(dirPath, debugLogFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create debug log: %w", err)
		}
		d.debugLog = logF
	}

	return d, nil
}

func openCSV(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("write header to %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("flush header to %s: %w", path, err)
	}
	return f, w, nil
}

// Path returns the crawl's result directory.
func (d *Dir) Path() string { return d.path }

// DebugLogWriter returns the open debug log file, or nil if store-debug-log
// was disabled.
func (d *Dir) DebugLogWriter() *os.File { return d.debugLog }

// WriteResult appends one row to the reachable-nodes stream. It implements
// crawl.ReachableNodeSink.
func (d *Dir) WriteResult(r node.Result) error {
	d.nodesMu.Lock()
	defer d.nodesMu.Unlock()

	row := []string{
		formatTime(r.Timestamp),
		r.Addr.Host(),
		formatUint(uint64(r.Addr.Port())),
		r.Addr.Kind().String(),
		formatBool(r.HandshakeSuccessful),
		formatInt(int64(r.ProtocolVersion)),
		r.UserAgent,
		formatUint(r.Services),
		formatInt(int64(r.StartHeight)),
		formatDuration(r.LatencyConnect),
		formatDuration(r.LatencyVersionHandshake),
		formatDuration(r.LatencyVerAckHandshake),
		formatInt(int64(r.NumAddrMessages)),
		formatInt(int64(r.NumAddresses)),
		formatTime(r.TimeFirstAddr),
		formatTime(r.TimeLastAddr),
	}
	if err := d.nodes.Write(row); err != nil {
		return fmt.Errorf("write reachable-nodes row: %w", err)
	}
	d.nodes.Flush()
	return d.nodes.Error()
}

// WriteAdvertised appends one row to the advertised-addresses stream. It
// implements crawl.AdvertisedAddressSink.
func (d *Dir) WriteAdvertised(a node.AdvertisedAddress) error {
	d.advertMu.Lock()
	defer d.advertMu.Unlock()

	row := []string{
		a.SourceAddr.Host(),
		formatUint(uint64(a.SourceAddr.Port())),
		a.SourceAddr.Kind().String(),
		formatUint(uint64(a.Timestamp)),
		formatUint(a.Services),
		a.Addr.Host(),
		formatUint(uint64(a.Addr.Port())),
		a.Addr.Kind().String(),
	}
	if err := d.advert.Write(row); err != nil {
		return fmt.Errorf("write advertised-address row: %w", err)
	}
	d.advert.Flush()
	return d.advert.Error()
}

// Close flushes and closes every file the Dir owns. It is safe to call after
// a partial Open failure.
func (d *Dir) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if d.nodesF != nil {
		record(d.nodesF.Close())
	}
	if d.advertF != nil {
		record(d.advertF.Close())
	}
	if d.debugLog != nil {
		record(d.debugLog.Close())
	}
	return first
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDuration(d time.Duration) string {
	return formatInt(int64(d / time.Millisecond))
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func formatInt(v int64) string {
	return fmt.Sprintf("%d", v)
}

func formatUint(v uint64) string {
	return fmt.Sprintf("%d", v)
}
