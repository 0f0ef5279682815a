package gpu

import "math"

// Uniform and sampler names used by MotionShader.
const (
	UniformAmplification = "u_amplification"
	UniformFreqLow       = "u_freqLow"
	UniformFreqHigh      = "u_freqHigh"
	UniformThreshold     = "u_threshold"
	UniformResolution    = "u_resolution"
	UniformROI           = "u_roi"
	SamplerCurrent       = "u_currentFrame"
	SamplerPrevious      = "u_previousFrame"

	// Attribute names bound by hardware backends.
	AttribPosition = "a_position"
	AttribTexCoord = "a_texCoord"
)

// Blur window and sigma of the shader's noise-reduction pass.
const (
	blurRadius = 4
	blurSigma  = 1.5
)

const motionVertex = `#version 150 core
in vec2 a_position;
in vec2 a_texCoord;
out vec2 v_texCoord;

void main() {
	gl_Position = vec4(a_position, 0.0, 1.0);
	v_texCoord = a_texCoord;
}
`

const motionFragment = `#version 150 core
uniform sampler2D u_currentFrame;
uniform sampler2D u_previousFrame;
uniform float u_amplification;
uniform float u_freqLow;
uniform float u_freqHigh;
uniform float u_threshold;
uniform vec2 u_resolution;
uniform vec4 u_roi;

in vec2 v_texCoord;
out vec4 fragColor;

const float SIGMA = 1.5;

vec4 gaussianBlur(sampler2D tex, vec2 coord) {
	vec4 color = vec4(0.0);
	float total = 0.0;
	for (float x = -4.0; x <= 4.0; x += 1.0) {
		for (float y = -4.0; y <= 4.0; y += 1.0) {
			float w = exp(-(x * x + y * y) / (2.0 * SIGMA * SIGMA));
			color += texture(tex, coord + vec2(x, y) / u_resolution) * w;
			total += w;
		}
	}
	return color / total;
}

bool insideROI() {
	vec2 p = gl_FragCoord.xy - 0.5;
	return p.x >= u_roi.x && p.y >= u_roi.y &&
		p.x < u_roi.x + u_roi.z && p.y < u_roi.y + u_roi.w;
}

void main() {
	vec4 current = texture(u_currentFrame, v_texCoord);
	if (!insideROI()) {
		fragColor = current;
		return;
	}

	vec3 diff = gaussianBlur(u_currentFrame, v_texCoord).rgb -
		gaussianBlur(u_previousFrame, v_texCoord).rgb;
	float m = length(diff);
	float freqWeight = step(u_freqLow, m) * (1.0 - step(u_freqHigh, m));

	if (m > u_threshold) {
		fragColor = vec4(clamp(current.rgb + diff * u_amplification * freqWeight, 0.0, 1.0), current.a);
	} else {
		fragColor = current;
	}
}
`

// MotionShader is the amplification program: a 9x9 Gaussian blur of both
// frames, temporal difference of the blurred colours, a hard band gate on
// its length, then amplification and clamp. Pixels outside u_roi pass
// through.
var MotionShader = ShaderSource{
	Name:     "motion",
	Vertex:   motionVertex,
	Fragment: motionFragment,
	Emulate:  emulateMotion,
}

var blurWeights, blurTotal = func() ([]float32, float32) {
	side := 2*blurRadius + 1
	w := make([]float32, 0, side*side)
	var total float32
	for dx := -blurRadius; dx <= blurRadius; dx++ {
		for dy := -blurRadius; dy <= blurRadius; dy++ {
			v := float32(math.Exp(-float64(dx*dx+dy*dy) / (2 * blurSigma * blurSigma)))
			w = append(w, v)
			total += v
		}
	}
	return w, total
}()

func blur(env *Env, sampler string, x, y int) [3]float32 {
	var c [3]float32
	i := 0
	for dx := -blurRadius; dx <= blurRadius; dx++ {
		for dy := -blurRadius; dy <= blurRadius; dy++ {
			t := env.Texel(sampler, x+dx, y+dy)
			w := blurWeights[i]
			c[0] += t[0] * w
			c[1] += t[1] * w
			c[2] += t[2] * w
			i++
		}
	}
	c[0] /= blurTotal
	c[1] /= blurTotal
	c[2] /= blurTotal
	return c
}

func step(edge, v float32) float32 {
	if v < edge {
		return 0
	}
	return 1
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}

func emulateMotion(env *Env, x, y int) [4]float32 {
	cur := env.Texel(SamplerCurrent, x, y)

	px, py := float32(x), float32(y)
	rx, ry := env.Uniform(UniformROI, 0), env.Uniform(UniformROI, 1)
	rw, rh := env.Uniform(UniformROI, 2), env.Uniform(UniformROI, 3)
	if px < rx || py < ry || px >= rx+rw || py >= ry+rh {
		return cur
	}

	bc := blur(env, SamplerCurrent, x, y)
	bp := blur(env, SamplerPrevious, x, y)
	d := [3]float32{bc[0] - bp[0], bc[1] - bp[1], bc[2] - bp[2]}
	m := float32(math.Sqrt(float64(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])))
	fw := step(env.Uniform(UniformFreqLow, 0), m) * (1 - step(env.Uniform(UniformFreqHigh, 0), m))

	if m <= env.Uniform(UniformThreshold, 0) {
		return cur
	}
	g := env.Uniform(UniformAmplification, 0) * fw
	return [4]float32{
		clamp01(cur[0] + d[0]*g),
		clamp01(cur[1] + d[1]*g),
		clamp01(cur[2] + d[2]*g),
		cur[3],
	}
}
