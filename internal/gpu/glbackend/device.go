//go:build gl

// Package glbackend is a gpu.Device backed by an OpenGL 3.2 core context
// on a hidden GLFW window. Every GL call runs on one goroutine locked to
// its OS thread.
package glbackend

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/go-gl/gl/v3.2-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/gpu"
	"github.com/banshee-data/motionamp/internal/monitoring"
)

// GL_CONTEXT_LOST from KHR_robustness; not exported by the 3.2 core
// bindings.
const glContextLost = 0x0507

var logf = monitoring.Component("GPU")

// Interleaved position (xy) and texture coordinate (st) of the
// full-screen quad, drawn as a triangle strip.
var quadVertices = []float32{
	-1, -1, 0, 0,
	1, -1, 1, 0,
	-1, 1, 0, 1,
	1, 1, 1, 1,
}

type kind int

const (
	kindProgram kind = iota + 1
	kindQuad
	kindTexture
)

type object struct {
	kind kind
	id   uint32
	vbo  uint32
}

// Device implements gpu.Device with OpenGL.
type Device struct {
	calls chan func()
	done  chan struct{}

	window *glfw.Window
	info   gpu.Info

	// Owned by the GL goroutine.
	next    gpu.Handle
	objects map[gpu.Handle]object
	program uint32
	fbo     uint32
	target  uint32
	width   int
	height  int

	mu         sync.Mutex
	lost       bool
	gen        uint64
	closed     bool
	onLost     func()
	onRestored func()
}

var _ gpu.Device = (*Device)(nil)

// New creates the hidden window and GL context. It returns
// gpu.ErrUnsupported wrapped with the cause when no context is available.
func New() (*Device, error) {
	d := &Device{
		calls:   make(chan func()),
		done:    make(chan struct{}),
		objects: make(map[gpu.Handle]object),
	}
	initErr := make(chan error, 1)
	go d.loop(initErr)
	if err := <-initErr; err != nil {
		return nil, fmt.Errorf("%w: %v", gpu.ErrUnsupported, err)
	}
	logf("OpenGL %s on %s (max texture %d)", d.info.Version, d.info.Renderer, d.info.MaxTextureSize)
	return d, nil
}

func (d *Device) loop(initErr chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := glfw.Init(); err != nil {
		initErr <- fmt.Errorf("init glfw: %w", err)
		return
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ContextVersionMajor, 3)
	glfw.WindowHint(glfw.ContextVersionMinor, 2)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Visible, glfw.False)

	window, err := glfw.CreateWindow(1, 1, "motionamp", nil, nil)
	if err != nil {
		initErr <- fmt.Errorf("create window: %w", err)
		return
	}
	defer window.Destroy()
	window.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		initErr <- fmt.Errorf("init OpenGL: %w", err)
		return
	}

	var maxTex int32
	gl.GetIntegerv(gl.MAX_TEXTURE_SIZE, &maxTex)
	d.window = window
	d.info = gpu.Info{
		Backend:        "opengl",
		Vendor:         gl.GoStr(gl.GetString(gl.VENDOR)),
		Renderer:       gl.GoStr(gl.GetString(gl.RENDERER)),
		Version:        gl.GoStr(gl.GetString(gl.VERSION)),
		MaxTextureSize: int(maxTex),
	}
	gl.GenFramebuffers(1, &d.fbo)
	gl.GenTextures(1, &d.target)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	initErr <- nil

	for {
		select {
		case fn := <-d.calls:
			fn()
		case <-d.done:
			gl.DeleteFramebuffers(1, &d.fbo)
			gl.DeleteTextures(1, &d.target)
			return
		}
	}
}

// do runs fn on the GL thread and returns its error, converting a context
// loss reported by the driver into gpu.ErrContextLost.
func (d *Device) do(fn func() error) error {
	d.mu.Lock()
	closed, lost := d.closed, d.lost
	d.mu.Unlock()
	if closed {
		return errors.New("device closed")
	}
	if lost {
		return gpu.ErrContextLost
	}

	errc := make(chan error, 1)
	call := func() {
		err := fn()
		if code := gl.GetError(); code == glContextLost {
			err = gpu.ErrContextLost
		} else if code != gl.NO_ERROR && err == nil {
			err = fmt.Errorf("gl error 0x%04x", code)
		}
		errc <- err
	}
	select {
	case d.calls <- call:
	case <-d.done:
		return errors.New("device closed")
	}
	err := <-errc
	if errors.Is(err, gpu.ErrContextLost) {
		d.markLost()
	}
	return err
}

func (d *Device) markLost() {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	d.gen++
	fn := d.onLost
	d.mu.Unlock()
	logf("context lost")
	if fn != nil {
		fn()
	}
}

func (d *Device) add(o object) gpu.Handle {
	d.next++
	d.objects[d.next] = o
	return d.next
}

func (d *Device) lookup(h gpu.Handle, k kind) (object, error) {
	o, ok := d.objects[h]
	if !ok || o.kind != k {
		return object{}, fmt.Errorf("unknown object %d", h)
	}
	return o, nil
}

func (d *Device) Info() gpu.Info { return d.info }

func (d *Device) CompileProgram(src gpu.ShaderSource) (gpu.Handle, error) {
	var h gpu.Handle
	err := d.do(func() error {
		vs, err := compileShader(src.Vertex, gl.VERTEX_SHADER)
		if err != nil {
			return fmt.Errorf("%s vertex: %w", src.Name, err)
		}
		defer gl.DeleteShader(vs)
		fs, err := compileShader(src.Fragment, gl.FRAGMENT_SHADER)
		if err != nil {
			return fmt.Errorf("%s fragment: %w", src.Name, err)
		}
		defer gl.DeleteShader(fs)

		prog := gl.CreateProgram()
		gl.AttachShader(prog, vs)
		gl.AttachShader(prog, fs)
		gl.LinkProgram(prog)
		var status int32
		gl.GetProgramiv(prog, gl.LINK_STATUS, &status)
		if status == gl.FALSE {
			var n int32
			gl.GetProgramiv(prog, gl.INFO_LOG_LENGTH, &n)
			msg := make([]byte, n+1)
			gl.GetProgramInfoLog(prog, n, nil, &msg[0])
			gl.DeleteProgram(prog)
			return fmt.Errorf("link %s: %s", src.Name, strings.TrimRight(string(msg), "\x00"))
		}
		h = d.add(object{kind: kindProgram, id: prog})
		return nil
	})
	return h, err
}

func compileShader(src string, typ uint32) (uint32, error) {
	shader := gl.CreateShader(typ)
	csrc, free := gl.Strs(src + "\x00")
	gl.ShaderSource(shader, 1, csrc, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &n)
		msg := make([]byte, n+1)
		gl.GetShaderInfoLog(shader, n, nil, &msg[0])
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("compile: %s", strings.TrimRight(string(msg), "\x00"))
	}
	return shader, nil
}

func (d *Device) CreateQuad() (gpu.Handle, error) {
	var h gpu.Handle
	err := d.do(func() error {
		var vao, vbo uint32
		gl.GenVertexArrays(1, &vao)
		gl.BindVertexArray(vao)
		gl.GenBuffers(1, &vbo)
		gl.BindBuffer(gl.ARRAY_BUFFER, vbo)
		gl.BufferData(gl.ARRAY_BUFFER, len(quadVertices)*4, gl.Ptr(quadVertices), gl.STATIC_DRAW)
		gl.BindVertexArray(0)
		h = d.add(object{kind: kindQuad, id: vao, vbo: vbo})
		return nil
	})
	return h, err
}

func (d *Device) CreateTexture() (gpu.Handle, error) {
	var h gpu.Handle
	err := d.do(func() error {
		var tex uint32
		gl.GenTextures(1, &tex)
		gl.BindTexture(gl.TEXTURE_2D, tex)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
		h = d.add(object{kind: kindTexture, id: tex})
		return nil
	})
	return h, err
}

// UploadTexture stores row 0 of f at t=0. ReadPixels returns row 0 from
// the bottom of the target, so no flip is needed in either direction.
func (d *Device) UploadTexture(tex gpu.Handle, f *frame.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Width > d.info.MaxTextureSize || f.Height > d.info.MaxTextureSize {
		return gpu.ErrTextureTooLarge
	}
	return d.do(func() error {
		o, err := d.lookup(tex, kindTexture)
		if err != nil {
			return err
		}
		gl.BindTexture(gl.TEXTURE_2D, o.id)
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(f.Width), int32(f.Height), 0, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(f.Pix))
		return nil
	})
}

func (d *Device) UseProgram(prog gpu.Handle) error {
	return d.do(func() error {
		o, err := d.lookup(prog, kindProgram)
		if err != nil {
			return err
		}
		gl.UseProgram(o.id)
		d.program = o.id
		return nil
	})
}

func (d *Device) uniform(name string, set func(loc int32)) error {
	return d.do(func() error {
		if d.program == 0 {
			return errors.New("no program in use")
		}
		loc := gl.GetUniformLocation(d.program, gl.Str(name+"\x00"))
		if loc < 0 {
			return fmt.Errorf("uniform %s not active", name)
		}
		set(loc)
		return nil
	})
}

func (d *Device) SetUniform1f(name string, v float32) error {
	return d.uniform(name, func(loc int32) { gl.Uniform1f(loc, v) })
}

func (d *Device) SetUniform2f(name string, x, y float32) error {
	return d.uniform(name, func(loc int32) { gl.Uniform2f(loc, x, y) })
}

func (d *Device) SetUniform4f(name string, x, y, z, w float32) error {
	return d.uniform(name, func(loc int32) { gl.Uniform4f(loc, x, y, z, w) })
}

func (d *Device) BindSampler(name string, unit int, tex gpu.Handle) error {
	return d.do(func() error {
		o, err := d.lookup(tex, kindTexture)
		if err != nil {
			return err
		}
		if d.program == 0 {
			return errors.New("no program in use")
		}
		gl.ActiveTexture(gl.TEXTURE0 + uint32(unit))
		gl.BindTexture(gl.TEXTURE_2D, o.id)
		gl.Uniform1i(gl.GetUniformLocation(d.program, gl.Str(name+"\x00")), int32(unit))
		return nil
	})
}

func (d *Device) Viewport(width, height int) error {
	if width <= 0 || height <= 0 || width > d.info.MaxTextureSize || height > d.info.MaxTextureSize {
		return fmt.Errorf("viewport %dx%d: %w", width, height, gpu.ErrTextureTooLarge)
	}
	return d.do(func() error {
		gl.BindFramebuffer(gl.FRAMEBUFFER, d.fbo)
		if width != d.width || height != d.height {
			gl.BindTexture(gl.TEXTURE_2D, d.target)
			gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(width), int32(height), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
			gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
			gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
			gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, d.target, 0)
			if s := gl.CheckFramebufferStatus(gl.FRAMEBUFFER); s != gl.FRAMEBUFFER_COMPLETE {
				return fmt.Errorf("framebuffer incomplete: 0x%04x", s)
			}
			d.width, d.height = width, height
		}
		gl.Viewport(0, 0, int32(width), int32(height))
		return nil
	})
}

func (d *Device) Draw(quad gpu.Handle) error {
	return d.do(func() error {
		o, err := d.lookup(quad, kindQuad)
		if err != nil {
			return err
		}
		if d.program == 0 || d.width == 0 {
			return errors.New("draw without program or viewport")
		}
		gl.BindFramebuffer(gl.FRAMEBUFFER, d.fbo)
		gl.BindVertexArray(o.id)
		gl.BindBuffer(gl.ARRAY_BUFFER, o.vbo)
		const stride = 4 * 4
		pos := uint32(gl.GetAttribLocation(d.program, gl.Str(gpu.AttribPosition+"\x00")))
		gl.EnableVertexAttribArray(pos)
		gl.VertexAttribPointerWithOffset(pos, 2, gl.FLOAT, false, stride, 0)
		tc := uint32(gl.GetAttribLocation(d.program, gl.Str(gpu.AttribTexCoord+"\x00")))
		gl.EnableVertexAttribArray(tc)
		gl.VertexAttribPointerWithOffset(tc, 2, gl.FLOAT, false, stride, 2*4)
		gl.DrawArrays(gl.TRIANGLE_STRIP, 0, 4)
		gl.BindVertexArray(0)
		return nil
	})
}

func (d *Device) ReadPixels(dst *frame.Frame) error {
	return d.do(func() error {
		if dst.Width != d.width || dst.Height != d.height || len(dst.Pix) != d.width*d.height*frame.BytesPerPixel {
			return fmt.Errorf("read-back buffer %dx%d does not match target %dx%d", dst.Width, dst.Height, d.width, d.height)
		}
		gl.BindFramebuffer(gl.FRAMEBUFFER, d.fbo)
		gl.ReadPixels(0, 0, int32(d.width), int32(d.height), gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(dst.Pix))
		return nil
	})
}

func (d *Device) Delete(h gpu.Handle) error {
	return d.do(func() error {
		o, ok := d.objects[h]
		if !ok {
			return fmt.Errorf("unknown object %d", h)
		}
		switch o.kind {
		case kindProgram:
			if d.program == o.id {
				d.program = 0
			}
			gl.DeleteProgram(o.id)
		case kindQuad:
			gl.DeleteBuffers(1, &o.vbo)
			gl.DeleteVertexArrays(1, &o.id)
		case kindTexture:
			gl.DeleteTextures(1, &o.id)
		}
		delete(d.objects, h)
		return nil
	})
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
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	return nil
}
