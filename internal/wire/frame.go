package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed reports a structurally invalid frame or packet. Receivers drop the whole batch.
	ErrMalformed = errors.New("wire: malformed")
	// ErrTruncated reports input that ended before a declared length was satisfied.
	ErrTruncated = errors.New("wire: truncated")
)

// maxUncompressedBytes caps the declared size of a single frame payload.
const maxUncompressedBytes = 16 << 20

// Entry is one body's payload inside a frame.
type Entry struct {
	NetworkID uint32
	Payload   []byte
}

// Size returns the uncompressed bytes the entry occupies inside a frame payload.
func (e Entry) Size() int {
	return protowire.SizeVarint(uint64(e.NetworkID)) + protowire.SizeBytes(len(e.Payload))
}

// AppendFrame compresses entries into one frame and appends it to dst.
func AppendFrame(dst []byte, c Compressor, entries []Entry) ([]byte, error) {
	size := protowire.SizeVarint(uint64(len(entries)))
	for _, entry := range entries {
		size += entry.Size()
	}
	payload := make([]byte, 0, size)
	payload = protowire.AppendVarint(payload, uint64(len(entries)))
	for _, entry := range entries {
		payload = protowire.AppendVarint(payload, uint64(entry.NetworkID))
		payload = protowire.AppendBytes(payload, entry.Payload)
	}
	compressed, err := c.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	dst = protowire.AppendVarint(dst, uint64(len(compressed)))
	return append(dst, compressed...), nil
}

// DecodeFrame parses one frame from b and returns its entries and the bytes consumed. Entry
// payloads alias the decompressed buffer, never b.
func DecodeFrame(c Compressor, b []byte) ([]Entry, int, error) {
	uncompressed, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: frame length", ErrTruncated)
	}
	consumed := n
	if uncompressed > maxUncompressedBytes {
		return nil, 0, fmt.Errorf("%w: frame declares %d bytes", ErrMalformed, uncompressed)
	}
	compressedLen, n := protowire.ConsumeVarint(b[consumed:])
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: compressed length", ErrTruncated)
	}
	consumed += n
	if compressedLen > uint64(len(b)-consumed) {
		return nil, 0, fmt.Errorf("%w: frame body", ErrTruncated)
	}
	body := b[consumed : consumed+int(compressedLen)]
	consumed += int(compressedLen)

	payload, err := c.Decompress(body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if uint64(len(payload)) != uncompressed {
		return nil, 0, fmt.Errorf("%w: frame length %d, declared %d", ErrMalformed, len(payload), uncompressed)
	}
	entries, err := decodeEntries(payload)
	if err != nil {
		return nil, 0, err
	}
	return entries, consumed, nil
}

func decodeEntries(payload []byte) ([]Entry, error) {
	count, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return nil, fmt.Errorf("%w: entry count", ErrTruncated)
	}
	payload = payload[n:]
	//1.- Every entry needs at least an id byte and a length byte.
	if count > uint64(len(payload)/2) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformed, count, len(payload))
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		id, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: entry %d id", ErrTruncated, i)
		}
		if id > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: entry %d id overflows", ErrMalformed, i)
		}
		payload = payload[n:]
		data, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: entry %d payload", ErrTruncated, i)
		}
		payload = payload[n:]
		entries = append(entries, Entry{NetworkID: uint32(id), Payload: data})
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(payload))
	}
	return entries, nil
}

// Splitter packs entries into groups whose uncompressed payload stays within a byte ceiling.
type Splitter struct {
	maxFrameBytes int
}

// NewSplitter constructs a splitter. A non-positive ceiling disables splitting.
func NewSplitter(maxFrameBytes int) Splitter {
	return Splitter{maxFrameBytes: maxFrameBytes}
}

// Split partitions entries preserving order. An entry larger than the ceiling travels alone.
func (s Splitter) Split(entries []Entry) [][]Entry {
	if len(entries) == 0 {
		return nil
	}
	if s.maxFrameBytes <= 0 {
		return [][]Entry{entries}
	}
	var (
		groups  [][]Entry
		current []Entry
		used    int
	)
	for _, entry := range entries {
		size := entry.Size()
		//1.- Close the open group when this entry would overflow it.
		if len(current) > 0 && used+size > s.maxFrameBytes {
			groups = append(groups, current)
			current, used = nil, 0
		}
		current = append(current, entry)
		used += size
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
