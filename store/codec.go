package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/backend"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression.
	MaxDecompressedSize = 64 * 1024 * 1024

	encodingIdentity = ""
	encodingZstd     = "zstd"
)

var (
	// ErrCorrupted is returned when a stored body does not match its digest.
	ErrCorrupted = errors.New("stored response digest mismatch")

	// ErrDecompressionBomb is returned when a body inflates past MaxDecompressedSize.
	ErrDecompressionBomb = errors.New("decompressed body exceeds maximum size")
)

// responseHeader is the framed header persisted ahead of each body.
type responseHeader struct {
	URL           string      `json:"url"`
	StatusCode    int         `json:"status_code"`
	Header        http.Header `json:"header,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	ContentLength int64       `json:"content_length"`
	ContentHash   string      `json:"content_hash"`
	Encoding      string      `json:"encoding,omitempty"`
}

func (h *responseHeader) entry(key string) Entry {
	return Entry{Key: key, Size: h.ContentLength, CreatedAt: h.CreatedAt}
}

// Codec encodes responses into the framed format shared by the byte
// oriented stores, compressing larger bodies with zstd.
// Encoder and decoder are goroutine-safe and reused.
type Codec struct {
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	compress bool
	mu       sync.RWMutex
}

// NewCodec creates a codec. With compress false bodies are always stored as is.
func NewCodec(compress bool) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec, compress: compress}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
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

// Encode frames resp.
func (c *Codec) Encode(resp *CachedResponse) ([]byte, error) {
	hdr := responseHeader{
		URL:           resp.URL,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		CreatedAt:     resp.CreatedAt.UTC(),
		ContentLength: resp.Size(),
		ContentHash:   fetchcache.HashBytes(resp.Body).String(),
	}

	body := resp.Body
	if c.compress && len(body) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(body, nil); len(compressed) < len(body) {
				body = compressed
				hdr.Encoding = encodingZstd
			}
		}
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, &hdr, bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a framed response and verifies the body digest.
func (c *Codec) Decode(data []byte) (*CachedResponse, error) {
	var hdr responseHeader
	r, err := backend.ReadFramed(bytes.NewReader(data), &hdr)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	switch hdr.Encoding {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		if hdr.ContentLength > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", hdr.Encoding)
	}

	if hdr.ContentHash != "" && fetchcache.HashBytes(body).String() != hdr.ContentHash {
		return nil, ErrCorrupted
	}

	return &CachedResponse{
		URL:        hdr.URL,
		StatusCode: hdr.StatusCode,
		Header:     hdr.Header,
		Body:       body,
		CreatedAt:  hdr.CreatedAt,
	}, nil
}

// DecodeEntry reads only the header of a framed response.
func DecodeEntry(key string, r io.Reader) (Entry, error) {
	var hdr responseHeader
	if _, err := backend.ReadFramed(r, &hdr); err != nil {
		return Entry{}, err
	}
	return hdr.entry(key), nil
}
