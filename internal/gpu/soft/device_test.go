package soft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/gpu"
)

var gradient = gpu.ShaderSource{
	Name:     "gradient",
	Vertex:   "void main() {}",
	Fragment: "void main() {}",
	Emulate: func(env *gpu.Env, x, y int) [4]float32 {
		t := env.Texel("u_tex", x, y)
		return [4]float32{float32(x) / float32(env.Width-1), float32(y) / float32(env.Height-1), t[2] * env.Uniform("u_gain", 0), 1}
	},
}

func TestDeviceDrawAndRead(t *testing.T) {
	t.Parallel()

	d := New(Options{Parallelism: 3})
	prog, err := d.CompileProgram(gradient)
	require.NoError(t, err)
	quad, err := d.CreateQuad()
	require.NoError(t, err)
	tex, err := d.CreateTexture()
	require.NoError(t, err)

	src := frame.Filled(5, 7, 0, 0, 100, 255)
	require.NoError(t, d.UploadTexture(tex, src))
	require.NoError(t, d.Viewport(5, 7))
	require.NoError(t, d.UseProgram(prog))
	require.NoError(t, d.SetUniform1f("u_gain", 2))
	require.NoError(t, d.BindSampler("u_tex", 0, tex))
	require.NoError(t, d.Draw(quad))

	out := frame.New(5, 7)
	require.NoError(t, d.ReadPixels(out))
	r, g, b, a := out.At(4, 6)
	assert.Equal(t, []byte{255, 255, 200, 255}, []byte{r, g, b, a})
	r, g, _, _ = out.At(0, 0)
	assert.Equal(t, []byte{0, 0}, []byte{r, g})
	assert.Equal(t, 1, d.Draws())

	assert.Error(t, d.ReadPixels(frame.New(4, 7)))

	assert.Equal(t, 3, d.Live())
	for _, h := range []gpu.Handle{tex, quad, prog} {
		require.NoError(t, d.Delete(h))
	}
	assert.Equal(t, 0, d.Live())
	assert.Error(t, d.Delete(prog))
}

func TestDeviceRejects(t *testing.T) {
	t.Parallel()

	d := New(Options{MaxTextureSize: 8})
	_, err := d.CompileProgram(gpu.ShaderSource{Name: "bad", Vertex: "v", Fragment: "f"})
	assert.Error(t, err)

	tex, err := d.CreateTexture()
	require.NoError(t, err)
	assert.ErrorIs(t, d.UploadTexture(tex, frame.New(16, 4)), gpu.ErrTextureTooLarge)
	assert.Error(t, d.Viewport(9, 1))
	assert.Error(t, d.UploadTexture(99, frame.New(2, 2)))
	assert.Error(t, d.SetUniform1f("u", 1), "no program in use")
}

func TestDeviceContextLoss(t *testing.T) {
	t.Parallel()

	d := New(Options{})
	var lost, restored int
	d.SetContextHandlers(func() { lost++ }, func() { restored++ })

	_, err := d.CreateQuad()
	require.NoError(t, err)

	assert.Equal(t, uint64(0), d.Generation())
	d.LoseContext()
	d.LoseContext()
	assert.True(t, d.ContextLost())
	assert.Equal(t, 1, lost)
	assert.Equal(t, uint64(1), d.Generation())
	assert.Equal(t, 0, d.Live())

	_, err = d.CreateTexture()
	assert.ErrorIs(t, err, gpu.ErrContextLost)

	d.RestoreContext()
	assert.False(t, d.ContextLost())
	assert.Equal(t, 1, restored)
	assert.Equal(t, uint64(1), d.Generation(), "restore keeps the generation")
	_, err = d.CreateTexture()
	assert.NoError(t, err)
}

func TestDeviceFailNext(t *testing.T) {
	t.Parallel()

	d := New(Options{})
	boom := errors.New("boom")
	d.FailNext(OpCompile, boom)

	_, err := d.CompileProgram(gradient)
	assert.ErrorIs(t, err, boom)
	_, err = d.CompileProgram(gradient)
	assert.NoError(t, err)
}

func TestDeviceClose(t *testing.T) {
	t.Parallel()

	d := New(Options{})
	require.NoError(t, d.Close())
	_, err := d.CreateQuad()
	assert.Error(t, err)
}
