package frame

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// ExtractOptions controls how an image sequence on disk is turned into a
// Sequence. Zero values disable the corresponding cap.
type ExtractOptions struct {
	// Pattern is a filepath.Match pattern applied to file names.
	// Defaults to "*.png".
	Pattern string

	// MaxWidth and MaxHeight cap the frame resolution. Larger frames are
	// scaled down preserving aspect ratio.
	MaxWidth  int
	MaxHeight int

	// MaxFrames caps the number of frames read (duration cap at the
	// source frame rate).
	MaxFrames int
}

// Extract reads every file in dir matching opts.Pattern in lexical order
// and decodes it into a frame. All frames are scaled to the size of the
// first decoded frame after capping, so the result satisfies the shared
// dimension invariant.
func Extract(dir string, opts ExtractOptions) (Sequence, error) {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = "*.png"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no frames matching %q in %s", pattern, dir)
	}
	if opts.MaxFrames > 0 && len(names) > opts.MaxFrames {
		names = names[:opts.MaxFrames]
	}

	seq := make(Sequence, 0, len(names))
	var width, height int
	for i, name := range names {
		img, err := decodeFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			b := img.Bounds()
			width, height = FitWithin(b.Dx(), b.Dy(), opts.MaxWidth, opts.MaxHeight)
		}
		seq = append(seq, Scale(img, width, height))
	}
	return seq, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// FitWithin returns the largest size with the aspect ratio of w x h that
// fits inside maxW x maxH. Non-positive caps are ignored.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		scale = min(scale, float64(maxH)/float64(h))
	}
	if scale == 1.0 {
		return w, h
	}
	return max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
}

// Scale converts img to a frame of exactly width x height. Images already
// at that size are copied without resampling.
func Scale(img image.Image, width, height int) *Frame {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return FromImage(img)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return FromImage(dst)
}

// WriteSequence encodes every frame as PNG into dir using names of the form
// prefix_000123.png. The directory is created if needed.
func WriteSequence(dir, prefix string, seq Sequence) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if prefix == "" {
		prefix = "frame"
	}
	prefix = strings.TrimSuffix(prefix, "_")
	for i, f := range seq {
		path := filepath.Join(dir, fmt.Sprintf("%s_%06d.png", prefix, i))
		if err := writePNG(path, f); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return nil
}

func writePNG(path string, f *Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, f.ToNRGBA()); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
