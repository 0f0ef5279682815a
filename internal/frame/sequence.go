package frame

import "fmt"

// Sequence is an ordered list of frames. Index order is temporal order is
// display order.
type Sequence []*Frame

// Validate checks that the sequence is non-empty, every frame satisfies the
// shape invariant, and all frames share the dimensions of frame 0.
func (s Sequence) Validate() error {
	if len(s) == 0 {
		return ErrEmptySequence
	}
	for i, f := range s {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if !f.SameSize(s[0]) {
			return fmt.Errorf("frame %d is %dx%d, sequence is %dx%d",
				i, f.Width, f.Height, s[0].Width, s[0].Height)
		}
	}
	return nil
}

// Size returns the shared frame dimensions, or 0, 0 for an empty sequence.
func (s Sequence) Size() (width, height int) {
	if len(s) == 0 || s[0] == nil {
		return 0, 0
	}
	return s[0].Width, s[0].Height
}

// Clone deep-copies every frame.
func (s Sequence) Clone() Sequence {
	out := make(Sequence, len(s))
	for i, f := range s {
		out[i] = f.Clone()
	}
	return out
}

// Bytes returns the total pixel payload of the sequence.
func (s Sequence) Bytes() int {
	n := 0
	for _, f := range s {
		if f != nil {
			n += len(f.Pix)
		}
	}
	return n
}
