package gpu

import (
	"errors"
	"fmt"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
)

// Uniforms are the per-run shader inputs. They do not change between
// frames of a run.
type Uniforms struct {
	Amplification float32
	FreqLow       float32
	FreqHigh      float32
	Threshold     float32
	ROI           [4]float32
}

// UniformsFor scales a parameter set the way the motion shader expects it.
func UniformsFor(p amplify.Params, width, height int) Uniforms {
	p = p.Sanitize()
	region := frame.Full(width, height)
	if p.ROI != nil {
		region = p.ROI.Clip(width, height)
	}
	return Uniforms{
		Amplification: float32(p.Amplification / 10),
		FreqLow:       float32(p.FreqLow / 10),
		FreqHigh:      float32(p.FreqHigh / 10),
		Threshold:     float32(p.ChromaThreshold),
		ROI:           [4]float32{float32(region.X), float32(region.Y), float32(region.Width), float32(region.Height)},
	}
}

// Pipeline owns the device objects of the motion program: the linked
// program, the quad and the current/previous textures. It is not safe for
// concurrent use.
type Pipeline struct {
	dev   Device
	prog  Handle
	quad  Handle
	cur   Handle
	prev  Handle
	ready bool
	gen   uint64

	width, height int
}

// NewPipeline binds a pipeline to dev. Init must succeed before Begin.
func NewPipeline(dev Device) *Pipeline {
	return &Pipeline{dev: dev}
}

// Device returns the underlying device.
func (p *Pipeline) Device() Device { return p.dev }

// Ready reports whether Init has completed and the context has not been
// lost since, even if it was restored afterwards.
func (p *Pipeline) Ready() bool {
	return p.ready && !p.dev.ContextLost() && p.gen == p.dev.Generation()
}

// Init compiles the program and allocates the quad and textures. It is a
// no-op when already initialised. A partial failure releases whatever was
// created.
func (p *Pipeline) Init() error {
	if p.Ready() {
		return nil
	}
	// Handles from before a loss are already gone on the device.
	p.forget()
	if p.dev.ContextLost() {
		return ErrContextLost
	}

	p.gen = p.dev.Generation()
	var err error
	if p.prog, err = p.dev.CompileProgram(MotionShader); err != nil {
		return fmt.Errorf("compile %s program: %w", MotionShader.Name, err)
	}
	if p.quad, err = p.dev.CreateQuad(); err != nil {
		p.Release()
		return fmt.Errorf("create quad: %w", err)
	}
	if p.cur, err = p.dev.CreateTexture(); err != nil {
		p.Release()
		return fmt.Errorf("create current texture: %w", err)
	}
	if p.prev, err = p.dev.CreateTexture(); err != nil {
		p.Release()
		return fmt.Errorf("create previous texture: %w", err)
	}
	p.ready = true
	return nil
}

// Begin prepares a run over width x height frames: viewport, program and
// the uniforms shared by every frame.
func (p *Pipeline) Begin(u Uniforms, width, height int) error {
	if !p.Ready() {
		return ErrContextLost
	}
	if limit := p.dev.Info().MaxTextureSize; limit > 0 && (width > limit || height > limit) {
		return fmt.Errorf("%dx%d > %d: %w", width, height, limit, ErrTextureTooLarge)
	}
	if err := p.dev.Viewport(width, height); err != nil {
		return err
	}
	if err := p.dev.UseProgram(p.prog); err != nil {
		return err
	}
	err := errors.Join(
		p.dev.SetUniform1f(UniformAmplification, u.Amplification),
		p.dev.SetUniform1f(UniformFreqLow, u.FreqLow),
		p.dev.SetUniform1f(UniformFreqHigh, u.FreqHigh),
		p.dev.SetUniform1f(UniformThreshold, u.Threshold),
		p.dev.SetUniform2f(UniformResolution, float32(width), float32(height)),
		p.dev.SetUniform4f(UniformROI, u.ROI[0], u.ROI[1], u.ROI[2], u.ROI[3]),
	)
	if err != nil {
		return fmt.Errorf("set uniforms: %w", err)
	}
	p.width, p.height = width, height
	return nil
}

// Render uploads one frame pair, draws and reads the result back.
func (p *Pipeline) Render(cur, prev *frame.Frame) (*frame.Frame, error) {
	if !p.Ready() {
		return nil, ErrContextLost
	}
	if cur.Width != p.width || cur.Height != p.height || !cur.SameSize(prev) {
		return nil, fmt.Errorf("frame %dx%d does not match run size %dx%d", cur.Width, cur.Height, p.width, p.height)
	}
	if err := p.dev.UploadTexture(p.cur, cur); err != nil {
		return nil, fmt.Errorf("upload current: %w", err)
	}
	if err := p.dev.UploadTexture(p.prev, prev); err != nil {
		return nil, fmt.Errorf("upload previous: %w", err)
	}
	if err := p.dev.BindSampler(SamplerCurrent, 0, p.cur); err != nil {
		return nil, err
	}
	if err := p.dev.BindSampler(SamplerPrevious, 1, p.prev); err != nil {
		return nil, err
	}
	if err := p.dev.Draw(p.quad); err != nil {
		return nil, fmt.Errorf("draw: %w", err)
	}
	out := frame.New(p.width, p.height)
	if err := p.dev.ReadPixels(out); err != nil {
		return nil, fmt.Errorf("read pixels: %w", err)
	}
	return out, nil
}

// Release deletes every device object the pipeline holds. Objects from an
// earlier context generation are already gone and are only forgotten.
func (p *Pipeline) Release() {
	if !p.dev.ContextLost() && p.gen == p.dev.Generation() {
		for _, h := range []Handle{p.cur, p.prev, p.quad, p.prog} {
			if h != 0 {
				_ = p.dev.Delete(h)
			}
		}
	}
	p.forget()
}

func (p *Pipeline) forget() {
	p.prog, p.quad, p.cur, p.prev = 0, 0, 0, 0
	p.ready = false
	p.width, p.height = 0, 0
}
