package metadb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	mediacache "github.com/wolfeidau/media-cache"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// zstd overhead is not worth it for the typical one or two span record.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// CurrentRecordVersion is the current record framing version.
	CurrentRecordVersion = 1

	recordHeaderSize = 2 + mediacache.HashSize
)

const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrCorrupted is returned when a record digest does not match its payload.
	ErrCorrupted = errors.New("record digest mismatch")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed record exceeds maximum size")

	// ErrUnsupportedVersion is returned for records written by a newer layout.
	ErrUnsupportedVersion = errors.New("unsupported record version")
)

// RecordCodec encodes ResourceRecords as JSON, compressed with zstd when
// beneficial, framed as:
//
//	VERSION (1 byte) | ENCODING (1 byte) | BLAKE3(json) (32 bytes) | PAYLOAD
//
// Encoder and decoder are goroutine-safe and can be reused.
type RecordCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewRecordCodec creates a new codec with pooled zstd encoder/decoder.
func NewRecordCodec() (*RecordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &RecordCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *RecordCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes rec.
func (c *RecordCodec) Encode(rec *ResourceRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	digest := mediacache.HashBytes(data)

	encoding := encodingIdentity
	payload := data
	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				payload = compressed
				encoding = encodingZstd
			}
		}
	}

	out := make([]byte, recordHeaderSize+len(payload))
	out[0] = CurrentRecordVersion
	out[1] = encoding
	copy(out[2:recordHeaderSize], digest[:])
	copy(out[recordHeaderSize:], payload)
	return out, nil
}

// Decode parses a framed record and verifies its digest.
func (c *RecordCodec) Decode(raw []byte) (*ResourceRecord, error) {
	if len(raw) < recordHeaderSize {
		return nil, fmt.Errorf("record too short: %d bytes", len(raw))
	}
	if raw[0] != CurrentRecordVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, raw[0])
	}
	var digest mediacache.Hash
	copy(digest[:], raw[2:recordHeaderSize])
	payload := raw[recordHeaderSize:]

	var data []byte
	switch raw[1] {
	case encodingIdentity:
		data = payload
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		decompressed, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing record: %w", err)
		}
		if len(decompressed) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", raw[1])
	}

	if mediacache.HashBytes(data) != digest {
		return nil, ErrCorrupted
	}

	var rec ResourceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}
