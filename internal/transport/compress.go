package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compression names the body encoding of a batch request.
type Compression string

const (
	// CompressionNone sends plain JSON.
	CompressionNone Compression = "none"

	// CompressionZstd sends zstd-compressed JSON with
	// Content-Encoding: zstd.
	CompressionZstd Compression = "zstd"
)

// MaxDecodedSize bounds the decompressed size of a request body.
const MaxDecodedSize = 64 << 20

// ErrBodyTooLarge is returned by DecodeBody when the decompressed body
// would exceed MaxDecodedSize.
var ErrBodyTooLarge = errors.New("decoded body exceeds size limit")

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "identity":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression: %q", name)
	}
}

// zstdEncoder and zstdDecoder are shared; EncodeAll and DecodeAll are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxDecodedSize),
	)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses body for the given compression.
func Encode(c Compression, body []byte) []byte {
	if c != CompressionZstd {
		return body
	}
	return zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/4))
}

// DecodeBody reverses a request's Content-Encoding.
// Unknown encodings are an error.
func DecodeBody(contentEncoding string, body []byte) ([]byte, error) {
	c, err := ParseCompression(contentEncoding)
	if err != nil {
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
	if c == CompressionNone {
		return body, nil
	}
	out, err := zstdDecoder.DecodeAll(body, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, ErrBodyTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
