package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxPayloadLength caps the declared payload length of any single message.
// 32 MiB comfortably exceeds the largest message this crawler ever sends or
// receives (addr/addrv2 capped at 1000 records) while still bounding memory
// against a hostile peer.
const MaxPayloadLength = 32 * 1024 * 1024

const (
	commandLen = 12
	headerLen  = 4 + commandLen + 4 + 4 // magic + command + length + checksum
)

// FramingError is returned for any malformed frame: wrong magic, wrong
// checksum, an over-long declared payload, or a non-ASCII command. It is
// always fatal to the session that received it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "wire: framing error: " + e.Reason }

type header struct {
	magic    Magic
	command  string
	length   uint32
	checksum [4]byte
}

// Reader frames incoming Bitcoin wire messages off a buffered stream.
type Reader struct {
	r     *bufio.Reader
	magic Magic
}

// NewReader wraps a stream for framed reads under the given network magic.
func NewReader(r io.Reader, magic Magic) *Reader {
	return &Reader{r: bufio.NewReader(r), magic: magic}
}

// ReadMessage reads one framed message, validates magic/checksum/length, and
// returns its command name and raw payload. Unknown commands are returned
// like any other — callers decide whether to decode or discard them; the
// framing layer has already consumed exactly the declared length either way.
func (r *Reader) ReadMessage() (command string, payload []byte, err error) {
	hdr, err := r.readHeader()
	if err != nil {
		return "", nil, err
	}
	if hdr.magic != r.magic {
		return "", nil, &FramingError{Reason: fmt.Sprintf("magic %08x, expected %08x", hdr.magic, r.magic)}
	}
	if hdr.length > MaxPayloadLength {
		return "", nil, &FramingError{Reason: fmt.Sprintf("declared payload length %d exceeds cap %d", hdr.length, MaxPayloadLength)}
	}

	payload = make([]byte, hdr.length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return "", nil, fmt.Errorf("read payload: %w", err)
	}

	sum := checksum(payload)
	if sum != hdr.checksum {
		return "", nil, &FramingError{Reason: "checksum mismatch"}
	}

	return hdr.command, payload, nil
}

func (r *Reader) readHeader() (header, error) {
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return header{}, fmt.Errorf("read header: %w", err)
	}

	magic := Magic(binary.LittleEndian.Uint32(buf[0:4]))

	cmdRaw := buf[4 : 4+commandLen]
	cmd, err := decodeCommand(cmdRaw)
	if err != nil {
		return header{}, err
	}

	length := binary.LittleEndian.Uint32(buf[16:20])

	var cs [4]byte
	copy(cs[:], buf[20:24])

	return header{magic: magic, command: cmd, length: length, checksum: cs}, nil
}

// decodeCommand validates the 12-byte command field: ASCII up to the first
// NUL, and all NUL thereafter. A command containing non-ASCII bytes is a
// fatal framing error.
func decodeCommand(raw []byte) (string, error) {
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
		if b > 0x7f {
			return "", &FramingError{Reason: "command contains non-ASCII byte"}
		}
	}
	for _, b := range raw[end:] {
		if b != 0 {
			return "", &FramingError{Reason: "command padding is not all-NUL"}
		}
	}
	return string(raw[:end]), nil
}

// Writer frames outgoing Bitcoin wire messages.
type Writer struct {
	w     io.Writer
	magic Magic
}

// NewWriter wraps a stream for framed writes under the given network magic.
func NewWriter(w io.Writer, magic Magic) *Writer {
	return &Writer{w: w, magic: magic}
}

// WriteMessage frames and writes a single command+payload.
func (w *Writer) WriteMessage(command string, payload []byte) error {
	if len(command) > commandLen {
		return fmt.Errorf("command %q exceeds %d bytes", command, commandLen)
	}
	if len(payload) > MaxPayloadLength {
		return fmt.Errorf("payload length %d exceeds cap %d", len(payload), MaxPayloadLength)
	}

	buf := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(w.magic))
	copy(buf[4:4+commandLen], command)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	cs := checksum(payload)
	copy(buf[20:24], cs[:])
	copy(buf[headerLen:], payload)

	_, err := w.w.Write(buf)
	return err
}

func checksum(payload []byte) [4]byte {
	var out [4]byte
	sum := chainhash.DoubleHashB(payload)
	copy(out[:], sum[:4])
	return out
}
