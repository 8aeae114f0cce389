// Package decode turns fetched bytes into the artifacts the loader caches.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"mime"
	"net/http"
	"strings"

	// Registered image formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ErrEmpty is returned for a zero-length body.
var ErrEmpty = errors.New("empty body")

// Decoder converts raw bytes into T.
type Decoder[T any] interface {
	Decode(data []byte) (T, error)
}

// Func adapts a function to a Decoder.
type Func[T any] func(data []byte) (T, error)

// Decode calls f.
func (f Func[T]) Decode(data []byte) (T, error) {
	return f(data)
}

// Image decodes any registered image format.
type Image struct{}

func (Image) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// Blob is a body together with its sniffed media type.
type Blob struct {
	ContentType string
	Data        []byte
}

// Size returns the length of the data.
func (b Blob) Size() int {
	return len(b.Data)
}

// BlobDecoder sniffs the media type of a body and optionally restricts it
// to an allow-list of patterns such as "image/*".
type BlobDecoder struct {
	allow []string
}

// NewBlob creates a blob decoder accepting media types matching any of allow.
// No patterns accepts everything.
func NewBlob(allow ...string) *BlobDecoder {
	return &BlobDecoder{allow: allow}
}

// UnsupportedTypeError reports a sniffed media type outside the allow-list.
type UnsupportedTypeError struct {
	ContentType string
}

func (e *UnsupportedTypeError) Error() string {
	return "unsupported content type " + e.ContentType
}

func (d *BlobDecoder) Decode(data []byte) (Blob, error) {
	if len(data) == 0 {
		return Blob{}, ErrEmpty
	}
	ct := http.DetectContentType(data)
	if !d.allowed(ct) {
		return Blob{}, &UnsupportedTypeError{ContentType: ct}
	}
	return Blob{ContentType: ct, Data: data}, nil
}

func (d *BlobDecoder) allowed(contentType string) bool {
	if len(d.allow) == 0 {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, pattern := range d.allow {
		if MatchMediaType(pattern, mt) {
			return true
		}
	}
	return false
}

// MatchMediaType reports whether mediaType matches pattern, where pattern
// may be "*/*", "type/*" or an exact type.
func MatchMediaType(pattern, mediaType string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	mediaType = strings.ToLower(mediaType)
	if pattern == "*/*" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		kind, _, _ := strings.Cut(mediaType, "/")
		return kind == prefix
	}
	return pattern == mediaType
}

var (
	_ Decoder[image.Image] = Image{}
	_ Decoder[Blob]        = (*BlobDecoder)(nil)
)
