package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// BytesPerPixel is the number of interleaved channels per pixel (R, G, B, A).
const BytesPerPixel = 4

// ErrEmptySequence is returned when an operation needs at least one frame.
var ErrEmptySequence = errors.New("frame sequence is empty")

// Frame is a single decoded raster: row-major, RGBA interleaved, 8 bits per
// channel. len(Pix) must equal Width*Height*4.
type Frame struct {
	Width  int    `json:"width" msgpack:"w"`
	Height int    `json:"height" msgpack:"h"`
	Pix    []byte `json:"-" msgpack:"p"`
}

// New allocates a zeroed frame of the given size.
func New(width, height int) *Frame {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// Filled returns a frame where every pixel is set to (r, g, b, a).
func Filled(width, height int, r, g, b, a byte) *Frame {
	f := New(width, height)
	for i := 0; i < len(f.Pix); i += BytesPerPixel {
		f.Pix[i] = r
		f.Pix[i+1] = g
		f.Pix[i+2] = b
		f.Pix[i+3] = a
	}
	return f
}

// Validate checks the shape invariant.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Pix) != want {
		return fmt.Errorf("frame %dx%d has %d bytes, want %d", f.Width, f.Height, len(f.Pix), want)
	}
	return nil
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{Width: f.Width, Height: f.Height, Pix: pix}
}

// SameSize reports whether both frames share width and height.
func (f *Frame) SameSize(o *Frame) bool {
	return f != nil && o != nil && f.Width == o.Width && f.Height == o.Height
}

// Offset returns the index of the R byte of pixel (x, y).
func (f *Frame) Offset(x, y int) int {
	return (y*f.Width + x) * BytesPerPixel
}

// At returns the RGBA channels at (x, y).
func (f *Frame) At(x, y int) (r, g, b, a byte) {
	i := f.Offset(x, y)
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3]
}

// Set writes the RGBA channels at (x, y).
func (f *Frame) Set(x, y int, r, g, b, a byte) {
	i := f.Offset(x, y)
	f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = r, g, b, a
}

// Equal reports whether two frames have identical size and bytes.
func (f *Frame) Equal(o *Frame) bool {
	if !f.SameSize(o) || len(f.Pix) != len(o.Pix) {
		return false
	}
	for i := range f.Pix {
		if f.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// Bounds returns the frame as an image rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// ToNRGBA copies the pixel data into an *image.NRGBA. Frame channels are
// straight (non-premultiplied) alpha, like canvas ImageData.
func (f *Frame) ToNRGBA() *image.NRGBA {
	img := image.NewNRGBA(f.Bounds())
	copy(img.Pix, f.Pix)
	return img
}

// FromImage converts any image into a frame. *image.NRGBA and opaque
// *image.RGBA sources are copied row by row.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := New(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.RGBA:
		if src.Opaque() {
			copyRows(f, src.Pix, src.Stride, src.PixOffset(b.Min.X, b.Min.Y))
			return f
		}
	case *image.NRGBA:
		copyRows(f, src.Pix, src.Stride, src.PixOffset(b.Min.X, b.Min.Y))
		return f
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			f.Set(x, y, c.R, c.G, c.B, c.A)
		}
	}
	return f
}

func copyRows(f *Frame, pix []byte, stride, start int) {
	row := f.Width * BytesPerPixel
	for y := 0; y < f.Height; y++ {
		copy(f.Pix[y*row:(y+1)*row], pix[start+y*stride:start+y*stride+row])
	}
}
