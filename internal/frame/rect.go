package frame

import "fmt"

// MinRectSide is the smallest accepted ROI width or height in pixels.
const MinRectSide = 10

// Rect is a region of interest in source-frame pixel coordinates.
type Rect struct {
	X      int `json:"x" yaml:"x" msgpack:"x"`
	Y      int `json:"y" yaml:"y" msgpack:"y"`
	Width  int `json:"width" yaml:"width" msgpack:"w"`
	Height int `json:"height" yaml:"height" msgpack:"h"`
}

// Validate checks the minimum size constraint.
func (r Rect) Validate() error {
	if r.Width < MinRectSide || r.Height < MinRectSide {
		return fmt.Errorf("roi %dx%d is smaller than %dx%d", r.Width, r.Height, MinRectSide, MinRectSide)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("roi origin (%d,%d) is negative", r.X, r.Y)
	}
	return nil
}

// Contains reports whether pixel (x, y) lies inside the rect.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Clip intersects the rect with a width x height frame. The result may be
// empty when the rect lies outside the frame.
func (r Rect) Clip(width, height int) Rect {
	x0, y0 := max(r.X, 0), max(r.Y, 0)
	x1, y1 := min(r.X+r.Width, width), min(r.Y+r.Height, height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Empty reports whether the rect covers no pixels.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Full returns the rect covering an entire width x height frame.
func Full(width, height int) Rect {
	return Rect{Width: width, Height: height}
}
