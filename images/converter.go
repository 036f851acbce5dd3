package images

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"math"

	xdraw "golang.org/x/image/draw"
	"pault.ag/go/cbeff/jpeg2000"
)

// Defaults for images sent to the recognition engine. Text on identity
// documents stays legible at this size while uploads from phone cameras
// shrink considerably.
const (
	DefaultMaxWidth  = 2000
	DefaultMaxHeight = 2000
)

var ErrEmptyImage = errors.New("no image data provided")

// Options controls PrepareForRecognition. Zero max dimensions disable resizing.
type Options struct {
	MaxWidth  int
	MaxHeight int
	Grayscale bool
}

func DefaultOptions() Options {
	return Options{MaxWidth: DefaultMaxWidth, MaxHeight: DefaultMaxHeight, Grayscale: true}
}

// PrepareForRecognition decodes an uploaded document image (JPEG, PNG, GIF or
// JPEG 2000), optionally converts it to grayscale, downsizes it to fit the
// configured box and re-encodes it as PNG.
func PrepareForRecognition(data []byte, opts Options) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, err := decodeImage(data)
	if err != nil {
		slog.Warn("Failed to decode document image", "data_size", len(data), "error", err)
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	slog.Debug("Document image decoded", "width", bounds.Dx(), "height", bounds.Dy())

	if opts.MaxWidth > 0 || opts.MaxHeight > 0 {
		img = resizeToFit(img, opts.MaxWidth, opts.MaxHeight)
	}
	if opts.Grayscale {
		img = toGray(img)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}

	slog.Debug("Document image prepared for recognition",
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy(), "png_size", buf.Len())
	return buf.Bytes(), nil
}

// PrepareBase64 is PrepareForRecognition returning a base64 encoded PNG.
func PrepareBase64(data []byte, opts Options) (string, error) {
	out, err := PrepareForRecognition(data, opts)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecodeBase64 accepts standard base64 with or without a data URL prefix,
// as produced by browser file readers.
func DecodeBase64(s string) ([]byte, error) {
	if i := bytes.IndexByte([]byte(s), ','); i >= 0 && bytes.HasPrefix([]byte(s), []byte("data:")) {
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return data, nil
}

// decodeImage attempts to decode an image from bytes, trying multiple formats
func decodeImage(data []byte) (image.Image, error) {
	// JPEG, PNG and GIF are registered with the image package
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	// Try JPEG 2000 (JP2/J2K)
	if img, err := jpeg2000.Parse(data); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("unsupported or invalid image format")
}

func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// resizeToFit scales img to fit within maxW×maxH (keeping aspect ratio)
func resizeToFit(src image.Image, maxW, maxH int) image.Image {
	bw := src.Bounds().Dx()
	bh := src.Bounds().Dy()

	if maxW <= 0 && maxH <= 0 {
		return src
	}
	if maxW <= 0 {
		scale := float64(maxH) / float64(bh)
		maxW = int(math.Round(float64(bw) * scale))
	}
	if maxH <= 0 {
		scale := float64(maxW) / float64(bw)
		maxH = int(math.Round(float64(bh) * scale))
	}

	scale := math.Min(float64(maxW)/float64(bw), float64(maxH)/float64(bh))
	if scale >= 1.0 {
		return src // already small enough
	}
	w := int(math.Max(1, math.Round(float64(bw)*scale)))
	h := int(math.Max(1, math.Round(float64(bh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// CatmullRom keeps glyph edges sharp when downscaling
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
