//go:build !gl

package main

import (
	"github.com/banshee-data/motionamp/internal/gpu"
	"github.com/banshee-data/motionamp/internal/gpu/soft"
)

// openDevice returns the software rasteriser. Build with -tags gl for the
// OpenGL backend.
func openDevice() (gpu.Device, error) {
	return soft.New(soft.Options{}), nil
}
