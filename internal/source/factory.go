// Package source selects between the hardware device reader and the
// simulator the way a provider pool selects between backends: one
// interface, a factory keyed by a config string, concrete constructors
// registered by name.
package source

import (
	"context"
	"fmt"

	"meterengine/config"
	"meterengine/internal/meter"
)

// Source is the stream every broadcaster (component G) consumes from,
// satisfied by both meter.HardwareSource and meter.Simulator.
type Source interface {
	Start(ctx context.Context)
	Stop()
	Samples() <-chan meter.Sample
	Available() bool
}

// Mode selects which concrete Source a Factory builds.
type Mode string

const (
	ModeAuto      Mode = "auto" // prefer hardware, fall back to simulator
	ModeDemo      Mode = "demo"
	ModeSim       Mode = "sim"
	ModeSimulator Mode = "simulator"
	ModeMock      Mode = "mock"
)

// forcesSimulator reports whether mode always selects the simulator,
// regardless of hardware availability, matching MINDSCOPE_METER_MODE's
// env var semantics.
func (m Mode) forcesSimulator() bool {
	switch m {
	case ModeDemo, ModeSim, ModeSimulator, ModeMock:
		return true
	default:
		return false
	}
}

// Factory builds a Source from MeterConfig, using the same
// registration-by-name pattern as a provider factory keyed by mode.
type Factory struct {
	constructors map[Mode]func(cfg config.MeterConfig) Source
}

// NewFactory registers the built-in hardware constructor under "auto".
// The simulator is not registered; Build constructs it directly.
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[Mode]func(cfg config.MeterConfig) Source)}
	f.Register(ModeAuto, newHardwareSource)
	return f
}

// Register adds or overrides the constructor used for a given mode.
func (f *Factory) Register(mode Mode, ctor func(cfg config.MeterConfig) Source) {
	f.constructors[mode] = ctor
}

// Build selects a Source per cfg.Mode. "auto" returns a hardware source if
// the device is reachable; otherwise (or when mode forces it) a Simulator.
func (f *Factory) Build(cfg config.MeterConfig) (Source, error) {
	mode := Mode(cfg.Mode)

	if mode.forcesSimulator() {
		return newSimulatorSource(cfg), nil
	}

	ctor, ok := f.constructors[mode]
	if !ok {
		return nil, fmt.Errorf("source: unknown meter mode %q", cfg.Mode)
	}

	hw := ctor(cfg)
	if probe, ok := hw.(interface{ Available() bool }); ok && probe.Available() {
		return hw, nil
	}
	return newSimulatorSource(cfg), nil
}

func newHardwareSource(cfg config.MeterConfig) Source {
	vid, pid := parseHexID(cfg.DeviceVID), parseHexID(cfg.DevicePID)
	return meter.NewHardwareSource(
		meter.DeviceReaderConfig{
			VID:               vid,
			PID:               pid,
			ReconnectCooldown: msToDuration(cfg.ReconnectCooldownMS),
			QueueCapacity:     cfg.QueueCapacity,
		},
		meter.PipelineConfig{
			BiquadCutoffHz:        cfg.BiquadCutoffHz,
			BiquadQ:               cfg.BiquadQ,
			SMDMass:               cfg.SMDMass,
			SMDDamping:            cfg.SMDDamping,
			SMDSpring:             cfg.SMDSpring,
			SampleRateHz:          cfg.DeviceSampleRateHz,
			BaselineWindowSeconds: cfg.BaselineWindowSeconds,
			BaselineMinSamples:    cfg.BaselineMinSamples,
			NeedleScale:           cfg.NeedleScale,
		},
	)
}

func newSimulatorSource(cfg config.MeterConfig) Source {
	return meter.NewSimulator(cfg.QueueCapacity)
}
