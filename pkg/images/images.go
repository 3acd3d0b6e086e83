// Package images turns the encoded portrait of EF.DG2 into a PNG.
package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"os"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	xdraw "golang.org/x/image/draw"
	"pault.ag/go/cbeff/jpeg2000"
)

var (
	ErrNoImage           = errors.New("no image data")
	ErrUnsupportedFormat = errors.New("unsupported or invalid image format")
)

// Options controls the PNG conversion.
type Options struct {
	// MaxWidth and MaxHeight bound the output, keeping the aspect ratio.
	// Zero leaves that side unbounded. Images are never enlarged.
	MaxWidth  int
	MaxHeight int
	// Level is the PNG compression level.
	Level png.CompressionLevel
}

// DefaultOptions matches what a portrait preview needs.
var DefaultOptions = Options{MaxWidth: 400, MaxHeight: 400, Level: png.BestCompression}

// Decode decodes a DG2 portrait. The declared format is tried first; chips
// that mislabel the encoding still decode through the other decoder.
func Decode(face *lds.FaceImage) (image.Image, error) {
	if face == nil || len(face.Data) == 0 {
		return nil, ErrNoImage
	}

	decoders := []func([]byte) (image.Image, error){decodeJPEG, decodeJPEG2000}
	if face.Format == lds.ImageJPEG2000 {
		decoders[0], decoders[1] = decoders[1], decoders[0]
	}
	for _, decode := range decoders {
		if img, err := decode(face.Data); err == nil {
			return img, nil
		}
	}
	if img, _, err := image.Decode(bytes.NewReader(face.Data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("%w (declared %s)", ErrUnsupportedFormat, face.Format)
}

func decodeJPEG(data []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(data))
}

func decodeJPEG2000(data []byte) (image.Image, error) {
	return jpeg2000.Parse(data)
}

// ToPNG decodes face and encodes it as PNG, downscaled per opts.
func ToPNG(face *lds.FaceImage, opts Options) ([]byte, error) {
	img, err := Decode(face)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	slog.Debug("portrait decoded", "format", face.Format, "width", bounds.Dx(), "height", bounds.Dy())

	img = resizeToFit(img, opts.MaxWidth, opts.MaxHeight)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: opts.Level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePNG converts face with DefaultOptions and writes it to path.
func WritePNG(path string, face *lds.FaceImage) error {
	data, err := ToPNG(face, DefaultOptions)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// resizeToFit scales src to fit within maxW x maxH keeping the aspect ratio.
func resizeToFit(src image.Image, maxW, maxH int) image.Image {
	bw := src.Bounds().Dx()
	bh := src.Bounds().Dy()

	if maxW <= 0 && maxH <= 0 || bw == 0 || bh == 0 {
		return src
	}
	if maxW <= 0 {
		maxW = math.MaxInt32
	}
	if maxH <= 0 {
		maxH = math.MaxInt32
	}

	scale := math.Min(float64(maxW)/float64(bw), float64(maxH)/float64(bh))
	if scale >= 1.0 {
		return src
	}
	w := int(math.Max(1, math.Round(float64(bw)*scale)))
	h := int(math.Max(1, math.Round(float64(bh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// CatmullRom keeps faces sharp when downscaling.
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
