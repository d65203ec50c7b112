// Package snapshot persists catalog checkpoints. A checkpoint is the catalog
// encoding wrapped in a small binary envelope that records the format, the
// compression, the catalog sequence and a CRC32 of the stored body.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"sync"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Envelope layout constants
var Magic = []byte{'A', 'R', 'C', 'S'}

const (
	Version = uint16(0x0001)

	// Magic(4) + Version(2) + Format(1) + Compression(1) + Sequence(8) + CRC(4)
	HeaderSize = 20

	// MaxBodySize bounds the decompressed catalog to reject decompression bombs.
	MaxBodySize = 512 * 1024 * 1024
)

// Format is the catalog encoding inside the envelope.
type Format byte

const (
	FormatJSON    Format = 0x01
	FormatMsgpack Format = 0x02
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("format(%d)", byte(f))
}

// ParseFormat maps a configuration value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	}
	return 0, fmt.Errorf("unknown snapshot format %q", s)
}

// Compression is applied to the encoded catalog before checksumming.
type Compression byte

const (
	CompressionNone Compression = 0x00
	CompressionZstd Compression = 0x01
	CompressionGzip Compression = 0x02
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	}
	return fmt.Sprintf("compression(%d)", byte(c))
}

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	}
	return 0, fmt.Errorf("unknown snapshot compression %q", s)
}

// Header is the decoded envelope header.
type Header struct {
	Version     uint16
	Format      Format
	Compression Compression
	Sequence    uint64
	Checksum    uint32
}

// Zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Encode serializes c into an envelope.
func Encode(c *catalog.Catalog, format Format, compression Compression) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch format {
	case FormatJSON:
		body, err = catalog.Encode(c)
	case FormatMsgpack:
		body, err = catalog.EncodeMsgpack(c)
	default:
		return nil, fmt.Errorf("unsupported snapshot format %s", format)
	}
	if err != nil {
		return nil, err
	}

	body, err = compress(body, compression)
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(out[0:4], Magic)
	binary.BigEndian.PutUint16(out[4:6], Version)
	out[6] = byte(format)
	out[7] = byte(compression)
	binary.BigEndian.PutUint64(out[8:16], c.Sequence())
	binary.BigEndian.PutUint32(out[16:20], crc32.ChecksumIEEE(body))
	return append(out, body...), nil
}

func compress(body []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return body, nil
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return enc.EncodeAll(body, make([]byte, 0, len(body)/4)), nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported snapshot compression %s", compression)
}

// IsEnvelope reports whether data starts with the envelope magic.
func IsEnvelope(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic)
}

// ParseHeader validates and returns the envelope header. Every failure wraps
// catalog.ErrDecode.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: snapshot too short (%d bytes)", catalog.ErrDecode, len(data))
	}
	if !IsEnvelope(data) {
		return Header{}, fmt.Errorf("%w: invalid snapshot magic %q", catalog.ErrDecode, data[:4])
	}
	h := Header{
		Version:     binary.BigEndian.Uint16(data[4:6]),
		Format:      Format(data[6]),
		Compression: Compression(data[7]),
		Sequence:    binary.BigEndian.Uint64(data[8:16]),
		Checksum:    binary.BigEndian.Uint32(data[16:20]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported snapshot version %d", catalog.ErrDecode, h.Version)
	}
	switch h.Format {
	case FormatJSON, FormatMsgpack:
	default:
		return Header{}, fmt.Errorf("%w: unknown snapshot format %d", catalog.ErrDecode, byte(h.Format))
	}
	switch h.Compression {
	case CompressionNone, CompressionZstd, CompressionGzip:
	default:
		return Header{}, fmt.Errorf("%w: unknown snapshot compression %d", catalog.ErrDecode, byte(h.Compression))
	}
	return h, nil
}

// Decode verifies the envelope and decodes the catalog inside it. The
// envelope sequence must match the decoded catalog.
func Decode(data []byte) (*catalog.Catalog, Header, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, Header{}, err
	}
	body := data[HeaderSize:]
	if sum := crc32.ChecksumIEEE(body); sum != h.Checksum {
		return nil, Header{}, fmt.Errorf("%w: snapshot checksum mismatch: expected %08x, got %08x", catalog.ErrDecode, h.Checksum, sum)
	}

	body, err = decompress(body, h.Compression)
	if err != nil {
		return nil, Header{}, fmt.Errorf("%w: %v", catalog.ErrDecode, err)
	}

	var c *catalog.Catalog
	switch h.Format {
	case FormatJSON:
		c, err = catalog.Decode(body)
	case FormatMsgpack:
		c, err = catalog.DecodeMsgpack(body)
	}
	if err != nil {
		return nil, Header{}, err
	}
	if c.Sequence() != h.Sequence {
		return nil, Header{}, fmt.Errorf("%w: envelope sequence %d does not match catalog sequence %d", catalog.ErrDecode, h.Sequence, c.Sequence())
	}
	return c, h, nil
}

func decompress(body []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(body, nil)
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, MaxBodySize+1))
		if err != nil {
			return nil, err
		}
		if len(out) > MaxBodySize {
			return nil, fmt.Errorf("decompressed snapshot exceeds %d bytes", MaxBodySize)
		}
		return out, nil
	}
	return body, nil
}
