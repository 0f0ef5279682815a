// Package soft is a software gpu.Device. Fragment programs run through
// their Go emulation over horizontal bands of the render target in
// parallel.
package soft

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/gpu"
)

// DefaultMaxTextureSize matches a common desktop GL limit.
const DefaultMaxTextureSize = 8192

// Op names a device operation for fault injection.
type Op string

const (
	OpCompile    Op = "compile"
	OpUpload     Op = "upload"
	OpDraw       Op = "draw"
	OpReadPixels Op = "read_pixels"
)

// Options configures a soft device.
type Options struct {
	// MaxTextureSize caps texture width and height. Zero uses the default.
	MaxTextureSize int
	// Parallelism bounds the number of bands rendered at once. Zero uses
	// GOMAXPROCS.
	Parallelism int
}

type program struct {
	src      gpu.ShaderSource
	uniforms map[string][]float32
	samplers map[string]gpu.Handle
}

// Device implements gpu.Device in memory.
type Device struct {
	mu   sync.Mutex
	opts Options

	next     gpu.Handle
	programs map[gpu.Handle]*program
	buffers  map[gpu.Handle]struct{}
	textures map[gpu.Handle]*frame.Frame
	current  *program

	target *frame.Frame

	lost       bool
	gen        uint64
	closed     bool
	onLost     func()
	onRestored func()
	faults     map[Op]error
	draws      int
}

var _ gpu.Device = (*Device)(nil)

// New creates a soft device.
func New(opts Options) *Device {
	if opts.MaxTextureSize <= 0 {
		opts.MaxTextureSize = DefaultMaxTextureSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	d := &Device{opts: opts, faults: make(map[Op]error)}
	d.reset()
	return d
}

func (d *Device) reset() {
	d.programs = make(map[gpu.Handle]*program)
	d.buffers = make(map[gpu.Handle]struct{})
	d.textures = make(map[gpu.Handle]*frame.Frame)
	d.current = nil
	d.target = nil
}

func (d *Device) Info() gpu.Info {
	return gpu.Info{
		Backend:        "soft",
		Vendor:         "motionamp",
		Renderer:       fmt.Sprintf("software rasteriser (%d bands)", d.opts.Parallelism),
		Version:        "GLSL 1.50 emulated",
		MaxTextureSize: d.opts.MaxTextureSize,
	}
}

// check must be called with d.mu held.
func (d *Device) check(op Op) error {
	if d.closed {
		return errors.New("device closed")
	}
	if d.lost {
		return gpu.ErrContextLost
	}
	if op != "" {
		if err, ok := d.faults[op]; ok {
			delete(d.faults, op)
			return err
		}
	}
	return nil
}

func (d *Device) alloc() gpu.Handle {
	d.next++
	return d.next
}

func (d *Device) CompileProgram(src gpu.ShaderSource) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpCompile); err != nil {
		return 0, err
	}
	if src.Vertex == "" || src.Fragment == "" {
		return 0, fmt.Errorf("program %q: empty shader source", src.Name)
	}
	if src.Emulate == nil {
		return 0, fmt.Errorf("program %q: no software emulation", src.Name)
	}
	h := d.alloc()
	d.programs[h] = &program{
		src:      src,
		uniforms: make(map[string][]float32),
		samplers: make(map[string]gpu.Handle),
	}
	return h, nil
}

func (d *Device) CreateQuad() (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(""); err != nil {
		return 0, err
	}
	h := d.alloc()
	d.buffers[h] = struct{}{}
	return h, nil
}

func (d *Device) CreateTexture() (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(""); err != nil {
		return 0, err
	}
	h := d.alloc()
	d.textures[h] = nil
	return h, nil
}

func (d *Device) UploadTexture(tex gpu.Handle, f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpUpload); err != nil {
		return err
	}
	if _, ok := d.textures[tex]; !ok {
		return fmt.Errorf("unknown texture %d", tex)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Width > d.opts.MaxTextureSize || f.Height > d.opts.MaxTextureSize {
		return gpu.ErrTextureTooLarge
	}
	d.textures[tex] = f.Clone()
	return nil
}

func (d *Device) UseProgram(prog gpu.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(""); err != nil {
		return err
	}
	p, ok := d.programs[prog]
	if !ok {
		return fmt.Errorf("unknown program %d", prog)
	}
	d.current = p
	return nil
}

func (d *Device) setUniform(name string, v ...float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(""); err != nil {
		return err
	}
	if d.current == nil {
		return errors.New("no program in use")
	}
	d.current.uniforms[name] = append([]float32(nil), v...)
	return nil
}

func (d *Device) SetUniform1f(name string, v float32) error { return d.setUniform(name, v) }
func (d *Device) SetUniform2f(name string, x, y float32) error {
	return d.setUniform(name, x, y)
}
func (d *Device) SetUniform4f(name string, x, y, z, w float32) error {
	return d.setUniform(name, x, y, z, w)
}

func (d *Device) BindSampler(name string, unit int, tex gpu.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(""); err != nil {
		return err
	}
	if d.current == nil {
		return errors.New("no program in use")
	}
	if _, ok := d.textures[tex]; !ok {
		return fmt.Errorf("unknown texture %d", tex)
	}
	d.current.samplers[name] = tex
	return nil
}

func (d *Device) Viewport(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(""); err != nil {
		return err
	}
	if width <= 0 || height <= 0 || width > d.opts.MaxTextureSize || height > d.opts.MaxTextureSize {
		return fmt.Errorf("viewport %dx%d: %w", width, height, gpu.ErrTextureTooLarge)
	}
	if d.target == nil || d.target.Width != width || d.target.Height != height {
		d.target = frame.New(width, height)
	}
	return nil
}

// Draw runs the current program's emulation for every pixel of the
// render target. Bands are independent rows, so no synchronisation is
// needed on the target.
func (d *Device) Draw(quad gpu.Handle) error {
	d.mu.Lock()
	if err := d.check(OpDraw); err != nil {
		d.mu.Unlock()
		return err
	}
	if _, ok := d.buffers[quad]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("unknown buffer %d", quad)
	}
	if d.current == nil || d.target == nil {
		d.mu.Unlock()
		return errors.New("draw without program or viewport")
	}
	env := &gpu.Env{
		Width:    d.target.Width,
		Height:   d.target.Height,
		Uniforms: make(map[string][]float32, len(d.current.uniforms)),
		Samplers: make(map[string]*frame.Frame, len(d.current.samplers)),
	}
	for name, v := range d.current.uniforms {
		env.Uniforms[name] = v
	}
	for name, h := range d.current.samplers {
		env.Samplers[name] = d.textures[h]
	}
	fn := d.current.src.Emulate
	target := d.target
	d.draws++
	d.mu.Unlock()

	return renderBands(target, d.opts.Parallelism, func(x, y int) [4]float32 {
		return fn(env, x, y)
	})
}

func renderBands(target *frame.Frame, parallelism int, shade func(x, y int) [4]float32) error {
	bands := min(parallelism, target.Height)
	rows := (target.Height + bands - 1) / bands

	var g errgroup.Group
	g.SetLimit(parallelism)
	for y0 := 0; y0 < target.Height; y0 += rows {
		y1 := min(y0+rows, target.Height)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				for x := 0; x < target.Width; x++ {
					c := shade(x, y)
					target.Set(x, y, gpu.ToByte(c[0]), gpu.ToByte(c[1]), gpu.ToByte(c[2]), gpu.ToByte(c[3]))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Device) ReadPixels(dst *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpReadPixels); err != nil {
		return err
	}
	if d.target == nil {
		return errors.New("no render target")
	}
	if !dst.SameSize(d.target) || len(dst.Pix) != len(d.target.Pix) {
		return fmt.Errorf("read-back buffer %dx%d does not match target %dx%d", dst.Width, dst.Height, d.target.Width, d.target.Height)
	}
	copy(dst.Pix, d.target.Pix)
	return nil
}

func (d *Device) Delete(h gpu.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(""); err != nil {
		return err
	}
	if p, ok := d.programs[h]; ok {
		if d.current == p {
			d.current = nil
		}
		delete(d.programs, h)
		return nil
	}
	if _, ok := d.buffers[h]; ok {
		delete(d.buffers, h)
		return nil
	}
	if _, ok := d.textures[h]; ok {
		delete(d.textures, h)
		return nil
	}
	return fmt.Errorf("unknown object %d", h)
}

func (d *Device) ContextLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

func (d *Device) SetContextHandlers(lost, restored func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLost, d.onRestored = lost, restored
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.reset()
	return nil
}

// LoseContext simulates the environment invalidating the context. Every
// object is dropped and the lost handler runs.
func (d *Device) LoseContext() {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	d.gen++
	d.reset()
	fn := d.onLost
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RestoreContext makes the context usable again and runs the restored
// handler. Objects must be recreated.
func (d *Device) RestoreContext() {
	d.mu.Lock()
	if !d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = false
	fn := d.onRestored
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FailNext makes the next call of op return err.
func (d *Device) FailNext(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = err
}

// Live returns the number of programs, buffers and textures currently
// allocated.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.programs) + len(d.buffers) + len(d.textures)
}

// Draws returns how many draw calls have been issued.
func (d *Device) Draws() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draws
}
