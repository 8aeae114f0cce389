package decode

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImage_Decode(t *testing.T) {
	img, err := Image{}.Decode(pngBytes(t))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 2, 3), img.Bounds())
}

func TestImage_DecodeInvalid(t *testing.T) {
	_, err := Image{}.Decode([]byte("definitely not an image"))
	require.ErrorIs(t, err, image.ErrFormat)

	_, err = Image{}.Decode(nil)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestBlob_Decode(t *testing.T) {
	data := pngBytes(t)

	b, err := NewBlob().Decode(data)
	require.NoError(t, err)
	require.Equal(t, "image/png", b.ContentType)
	require.Equal(t, len(data), b.Size())

	b, err = NewBlob("image/*").Decode(data)
	require.NoError(t, err)
	require.Equal(t, "image/png", b.ContentType)
}

func TestBlob_DecodeRejected(t *testing.T) {
	_, err := NewBlob("image/*").Decode([]byte("<html><body>hi</body></html>"))

	var typeErr *UnsupportedTypeError
	require.True(t, errors.As(err, &typeErr))
	require.Equal(t, "text/html; charset=utf-8", typeErr.ContentType)
}

func TestBlob_DecodeEmpty(t *testing.T) {
	_, err := NewBlob().Decode([]byte{})
	require.ErrorIs(t, err, ErrEmpty)
}

func TestMatchMediaType(t *testing.T) {
	tests := []struct {
		pattern   string
		mediaType string
		want      bool
	}{
		{"*/*", "text/plain", true},
		{"image/*", "image/png", true},
		{"IMAGE/*", "image/jpeg", true},
		{"image/*", "text/plain", false},
		{"image/png", "image/png", true},
		{"image/png", "image/gif", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.mediaType, func(t *testing.T) {
			require.Equal(t, tt.want, MatchMediaType(tt.pattern, tt.mediaType))
		})
	}
}

func TestFunc(t *testing.T) {
	d := Func[int](func(data []byte) (int, error) { return len(data), nil })
	n, err := d.Decode([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
