//go:build gl

package glbackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/gpu"
)

func newDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New()
	if err != nil {
		t.Skipf("no OpenGL context available: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPipelineOnHardware(t *testing.T) {
	d := newDevice(t)
	assert.Equal(t, "opengl", d.Info().Backend)
	assert.Greater(t, d.Info().MaxTextureSize, 0)

	p := gpu.NewPipeline(d)
	require.NoError(t, p.Init())
	defer p.Release()

	prev := frame.Filled(16, 12, 100, 100, 100, 255)
	cur := frame.Filled(16, 12, 110, 100, 100, 255)
	raw := amplify.RawParams{
		Amplification:   amplify.Float(20),
		FreqLow:         amplify.Float(0.1),
		FreqHigh:        amplify.Float(20),
		ChromaThreshold: amplify.Float(0.01),
	}
	params, err := raw.Resolve()
	require.NoError(t, err)

	require.NoError(t, p.Begin(gpu.UniformsFor(params, 16, 12), 16, 12))
	out, err := p.Render(cur, prev)
	require.NoError(t, err)
	r, g, _, a := out.At(5, 5)
	assert.InDelta(t, 130, int(r), 2)
	assert.Equal(t, byte(100), g)
	assert.Equal(t, byte(255), a)

	same, err := p.Render(cur, cur)
	require.NoError(t, err)
	assert.True(t, same.Equal(cur))
}

func TestCompileErrorReportsLog(t *testing.T) {
	d := newDevice(t)
	_, err := d.CompileProgram(gpu.ShaderSource{
		Name:     "broken",
		Vertex:   "#version 150 core\nvoid main() { gl_Position = vec4(0.0); }\n",
		Fragment: "#version 150 core\nvoid main() { not glsl }\n",
	})
	assert.Error(t, err)
}
