package meter

import "math"

// BiquadFilter is a second-order IIR lowpass (Butterworth, Direct Form II
// Transposed), grounded on hid_reader.py's BiquadFilter. Steady-state
// initialized on the first sample so the filter doesn't ring in from zero.
type BiquadFilter struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
	started    bool
}

// NewBiquadFilter builds a lowpass at cutoff fc Hz, sampled at fs Hz, with
// quality factor q (0.707 = maximally flat / Butterworth).
func NewBiquadFilter(fc, fs, q float64) *BiquadFilter {
	w0 := 2 * math.Pi * fc / fs
	alpha := math.Sin(w0) / (2 * q)
	cosw := math.Cos(w0)
	a0 := 1 + alpha

	return &BiquadFilter{
		b0: ((1 - cosw) / 2) / a0,
		b1: (1 - cosw) / a0,
		b2: ((1 - cosw) / 2) / a0,
		a1: (-2 * cosw) / a0,
		a2: (1 - alpha) / a0,
	}
}

// Process filters one input sample.
func (f *BiquadFilter) Process(in float64) float64 {
	if !f.started {
		f.Reset(in)
		return in
	}
	out := f.b0*in + f.z1
	f.z1 = f.b1*in - f.a1*out + f.z2
	f.z2 = f.b2*in - f.a2*out
	return out
}

// Reset steady-state-initializes the filter at value, avoiding the startup
// ring a zero-state reset would produce.
func (f *BiquadFilter) Reset(value float64) {
	f.z1 = value * (1 - f.b0)
	f.z2 = value * (f.b2 - f.a2)
	f.started = true
}

// SpringMassDamper smooths a signal with a symplectic-Euler-integrated
// spring-mass-damper, grounded on hid_reader.py's SpringMassDamper. Operates
// directly in the filter's output domain — no clamping here, clamping
// happens after SET-reference subtraction in the Pipeline.
type SpringMassDamper struct {
	mass, damping, spring, dt float64
	velocity, position        float64
	started                   bool
}

// NewSpringMassDamper builds an SMD integrator with the given physical
// constants and fixed integration step dt (seconds).
func NewSpringMassDamper(mass, damping, spring, dt float64) *SpringMassDamper {
	return &SpringMassDamper{mass: mass, damping: damping, spring: spring, dt: dt}
}

// Step advances the integrator by one sample and returns the new position.
func (s *SpringMassDamper) Step(in float64) float64 {
	if !s.started {
		s.position = in
		s.velocity = 0
		s.started = true
		return in
	}
	accel := (s.spring*(in-s.position) - s.damping*s.velocity) / s.mass
	s.velocity += s.dt * accel
	s.position += s.dt * s.velocity
	return s.position
}

// Position returns the integrator's current position without stepping it.
func (s *SpringMassDamper) Position() float64 { return s.position }

// PipelineConfig holds the tunable constants for Pipeline, sourced from
// config.MeterConfig.
type PipelineConfig struct {
	BiquadCutoffHz        float64
	BiquadQ               float64
	SMDMass               float64
	SMDDamping            float64
	SMDSpring             float64
	SampleRateHz          float64
	BaselineWindowSeconds float64
	BaselineMinSamples    int
	NeedleScale           float64
}

// Pipeline conditions a raw ADC stream into a 0.0-1.0 needle position:
// biquad lowpass -> spring-mass-damper -> EMA baseline -> auto-SET capture
// -> SET-referenced, scaled, clamped needle position. Grounded on
// hid_reader.py's `_process_signal`. The hardware source owns one
// Pipeline instance; the simulator generates needle positions directly
// and does not use a Pipeline.
type Pipeline struct {
	cfg     PipelineConfig
	biquad  *BiquadFilter
	smd     *SpringMassDamper
	alpha   float64
	baseline        float64
	haveBaseline    bool
	baselineSamples int
	setPoint        float64
	haveSetPoint    bool
	sampleCount     int
}

// NewPipeline constructs a Pipeline from the given configuration.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	dt := 1.0 / cfg.SampleRateHz
	return &Pipeline{
		cfg:    cfg,
		biquad: NewBiquadFilter(cfg.BiquadCutoffHz, cfg.SampleRateHz, cfg.BiquadQ),
		smd:    NewSpringMassDamper(cfg.SMDMass, cfg.SMDDamping, cfg.SMDSpring, dt),
		alpha:  1.0 / (cfg.BaselineWindowSeconds * cfg.SampleRateHz),
	}
}

// Process runs one raw ADC value through the full conditioning chain and
// returns the smoothed signal value and the clamped 0.0-1.0 needle position.
func (p *Pipeline) Process(raw float64) (smooth, position float64) {
	filtered := p.biquad.Process(raw)
	smooth = p.smd.Step(filtered)

	if !p.haveBaseline {
		p.baseline = smooth
		p.haveBaseline = true
	} else {
		p.baseline = p.alpha*smooth + (1-p.alpha)*p.baseline
	}
	p.baselineSamples++

	if !p.haveSetPoint && p.baselineSamples >= p.cfg.BaselineMinSamples {
		p.setPoint = smooth
		p.haveSetPoint = true
	}

	setRef := p.baseline
	if p.haveSetPoint {
		setRef = p.setPoint
	}

	signalDiff := setRef - smooth
	rawNeedle := signalDiff / p.cfg.NeedleScale
	needlePos := math.Max(-1.0, math.Min(1.0, rawNeedle))

	// [-1, +1] needle -> [0, 1] position: -1 (full rise) -> 1.0, +1 (full
	// fall) -> 0.0, center -> 0.5.
	position = 0.5 - (needlePos * 0.5)

	p.sampleCount++
	return smooth, position
}

// SetReference manually captures the spring-mass-damper's current position
// as the new SET reference point (the device's physical SET button).
func (p *Pipeline) SetReference() {
	pos := p.smd.Position()
	if pos != 0 || p.haveBaseline {
		p.setPoint = pos
		p.haveSetPoint = true
	}
}

// SampleCount returns the number of samples processed so far.
func (p *Pipeline) SampleCount() int { return p.sampleCount }
