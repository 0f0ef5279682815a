//go:build gl

package main

import (
	"github.com/banshee-data/motionamp/internal/gpu"
	"github.com/banshee-data/motionamp/internal/gpu/glbackend"
)

func openDevice() (gpu.Device, error) {
	dev, err := glbackend.New()
	if err != nil {
		return nil, err
	}
	return dev, nil
}
