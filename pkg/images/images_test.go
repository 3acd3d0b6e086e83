package images

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/stretchr/testify/require"
)

func jpegFace(t *testing.T, w, h int) *lds.FaceImage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return &lds.FaceImage{Data: buf.Bytes(), Format: lds.ImageJPEG, Width: w, Height: h}
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestToPNG(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		opts         Options
		wantW, wantH int
	}{
		{"Downscaled to height", 120, 160, Options{MaxWidth: 60, MaxHeight: 60}, 45, 60},
		{"Downscaled to width", 200, 100, Options{MaxWidth: 50, MaxHeight: 400}, 50, 25},
		{"Only width bounded", 200, 100, Options{MaxWidth: 100}, 100, 50},
		{"Never enlarged", 40, 30, Options{MaxWidth: 400, MaxHeight: 400}, 40, 30},
		{"Unbounded", 64, 48, Options{}, 64, 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ToPNG(jpegFace(t, tt.w, tt.h), tt.opts)
			require.NoError(t, err)

			bounds := decodePNG(t, out).Bounds()
			require.Equal(t, tt.wantW, bounds.Dx())
			require.Equal(t, tt.wantH, bounds.Dy())
		})
	}
}

func TestDecode_MislabelledFormat(t *testing.T) {
	face := jpegFace(t, 16, 16)
	face.Format = lds.ImageJPEG2000

	img, err := Decode(face)
	require.NoError(t, err)
	require.Equal(t, 16, img.Bounds().Dx())
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrNoImage)

	_, err = Decode(&lds.FaceImage{Format: lds.ImageJPEG})
	require.ErrorIs(t, err, ErrNoImage)

	_, err = Decode(&lds.FaceImage{Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}, Format: lds.ImageJPEG})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	require.Contains(t, err.Error(), "JPEG")
}

func TestWritePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face.png")
	require.NoError(t, WritePNG(path, jpegFace(t, 800, 600)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	bounds := decodePNG(t, data).Bounds()
	require.Equal(t, 400, bounds.Dx())
	require.Equal(t, 300, bounds.Dy())
}
