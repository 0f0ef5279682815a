// Package amplify holds the amplification parameter set and the pixel
// kernel that turns a (previous, current) frame pair into an amplified
// frame.
//
// The kernel takes the temporal difference per channel, gates it on motion
// magnitude (chroma threshold, then a band-pass over magnitude/10 scaled
// frequency bounds), weights it by local Gaussian luminance and adds the
// scaled difference back onto the current frame. The lagrangian and hybrid
// variants post-process that result with a light 4-neighbour smoothing
// pass; neither performs optical flow.
package amplify
