// Package texture turns a submitted paint image into the square texture the
// station renders for a cargo.
package texture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/louisbranch/cargo.space/internal/services/cargo/domain"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultSize is the edge length of a texture in pixels.
	DefaultSize = 512
	// MaxSourceDimension bounds either side of a decodable paint.
	MaxSourceDimension = 8192

	defaultQuality = 85
)

// DecodeError reports paint bytes that cannot be read as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode paint: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var baseColors = map[domain.Type]color.RGBA{
	domain.TypeCake:   {R: 0xf6, G: 0xd6, B: 0xe0, A: 0xff},
	domain.TypeBook:   {R: 0xe8, G: 0xdc, B: 0xc4, A: 0xff},
	domain.TypeBottle: {R: 0xcf, G: 0xe8, B: 0xef, A: 0xff},
	domain.TypeBox:    {R: 0xd9, G: 0xc2, B: 0x9c, A: 0xff},
	domain.TypePlant:  {R: 0xd4, G: 0xec, B: 0xc9, A: 0xff},
	domain.TypeToy:    {R: 0xfa, G: 0xe9, B: 0xa8, A: 0xff},
}

// BaseColor returns the canvas color used behind paints of cargoType.
func BaseColor(cargoType domain.Type) (color.RGBA, bool) {
	c, ok := baseColors[cargoType]
	return c, ok
}

// Renderer materializes textures at a fixed size and JPEG quality.
type Renderer struct {
	Size    int
	Quality int
}

// Default is the renderer used for stored cargo textures.
var Default = Renderer{Size: DefaultSize, Quality: defaultQuality}

// Materialize renders raw with Default.
func Materialize(raw []byte, cargoType domain.Type) ([]byte, error) {
	return Default.Materialize(raw, cargoType)
}

// Materialize fits the decoded paint, centered, onto a square canvas filled
// with the cargo type's base color and encodes the result as JPEG. Equal
// inputs produce equal bytes.
func (r Renderer) Materialize(raw []byte, cargoType domain.Type) ([]byte, error) {
	base, ok := BaseColor(cargoType)
	if !ok {
		return nil, fmt.Errorf("unknown cargo type %q", cargoType)
	}
	size := r.Size
	if size <= 0 {
		size = DefaultSize
	}
	quality := r.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	src, err := decode(raw)
	if err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: base}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(canvas, fitRect(src.Bounds(), size), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode texture: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: errors.New("empty image")}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Err: fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if cfg.Width > MaxSourceDimension || cfg.Height > MaxSourceDimension {
		return nil, &DecodeError{Err: fmt.Errorf("image %dx%d exceeds %dpx", cfg.Width, cfg.Height, MaxSourceDimension)}
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return img, nil
}

// fitRect scales bounds to fit inside a size×size square with a margin of
// size/16 on every side, preserving aspect ratio, centered.
func fitRect(bounds image.Rectangle, size int) image.Rectangle {
	margin := size / 16
	box := size - 2*margin
	w, h := bounds.Dx(), bounds.Dy()
	if w >= h {
		h = max(1, h*box/w)
		w = box
	} else {
		w = max(1, w*box/h)
		h = box
	}
	x := (size - w) / 2
	y := (size - h) / 2
	return image.Rect(x, y, x+w, y+h)
}
