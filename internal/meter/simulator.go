package meter

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulatorSampleRateHz is the simulator's fixed generation rate.
const SimulatorSampleRateHz = 100.0

// Simulator produces a synthetic 100Hz GSR sample stream with selectable
// needle-action patterns, for use when no hardware device is present.
// Grounded on simulator.py's MeterSimulator.
type Simulator struct {
	mu            sync.Mutex
	action        NeedleAction
	actionStart   time.Time
	actionDur     time.Duration
	position      float64
	toneArm       float64
	rng           *rand.Rand

	out     chan Sample
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSimulator constructs an idle Simulator with the given queue capacity,
// defaulting to 1000 when unset.
func NewSimulator(queueCapacity int) *Simulator {
	if queueCapacity <= 0 {
		queueCapacity = 1000
	}
	return &Simulator{
		action:   NeedleIdle,
		position: 0.5,
		toneArm:  2.5,
		rng:      rand.New(rand.NewSource(1)),
		out:      make(chan Sample, queueCapacity),
	}
}

// SetAction manually triggers a specific needle-action pattern for duration.
func (s *Simulator) SetAction(action NeedleAction, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action = action
	s.actionDur = duration
	s.actionStart = time.Now()
}

// Start begins generating samples at 100Hz on a background goroutine.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.actionStart = time.Now()
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop cancels the generation loop.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Samples returns the generated sample stream.
func (s *Simulator) Samples() <-chan Sample {
	return s.out
}

// Available always reports true: the simulator has no external dependency.
func (s *Simulator) Available() bool { return true }

func (s *Simulator) run(ctx context.Context) {
	defer close(s.done)

	interval := time.Duration(float64(time.Second) / SimulatorSampleRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Simulator) tick(now time.Time) {
	s.mu.Lock()
	elapsed := now.Sub(s.actionStart)
	if s.actionDur > 0 && elapsed >= s.actionDur {
		s.advanceAction(now)
		elapsed = 0
	}
	t := elapsed.Seconds()
	value := s.generateSample(t)
	s.updateToneArm()
	toneArm := s.toneArm
	s.mu.Unlock()

	sample := Sample{Timestamp: now, Position: value, ToneArm: toneArm, Smooth: value, RawADC: value}
	select {
	case s.out <- sample:
	default:
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- sample:
		default:
		}
	}
}

func (s *Simulator) advanceAction(now time.Time) {
	s.action = NeedleIdle
	s.actionDur = 0
	s.actionStart = now
}

func (s *Simulator) gauss(stddev float64) float64 {
	return s.rng.NormFloat64() * stddev
}

func (s *Simulator) generateSample(t float64) float64 {
	noise := s.gauss(0.005)

	switch s.action {
	case NeedleIdle:
		return s.position + s.gauss(0.008)

	case NeedleFall:
		rate := -0.08
		s.position = math.Max(0.05, s.position+rate/SimulatorSampleRateHz)
		return s.position + noise

	case NeedleLongFall, NeedleLongFallBlowdown, NeedleSpeededFall:
		rate := -0.12
		s.position = math.Max(0.02, s.position+rate/SimulatorSampleRateHz)
		return s.position + noise

	case NeedleRise:
		rate := 0.06
		s.position = math.Min(0.95, s.position+rate/SimulatorSampleRateHz)
		return s.position + noise

	case NeedleFloating:
		return s.position + 0.12*math.Sin(2*math.Pi*0.3*t) + noise

	case NeedleRockSlam:
		freq := 3.0 + s.rng.Float64()
		return s.position + 0.25*math.Sin(2*math.Pi*freq*t) + s.gauss(0.04)

	case NeedleThetaBlink:
		return s.position + 0.06*math.Sin(2*math.Pi*7.0*t) + noise

	case NeedleStageFour:
		return s.position + 0.10*math.Sin(2*math.Pi*1.0*t) + noise

	case NeedleDirtyNeedle:
		s.position += s.gauss(0.015)
		s.position = math.Max(0.1, math.Min(0.9, s.position))
		return s.position + s.gauss(0.02)

	case NeedleFreeNeedle:
		s.position += s.gauss(0.002)
		s.position = math.Max(0.2, math.Min(0.8, s.position))
		return s.position + noise

	case NeedleStuck:
		return s.position + s.gauss(0.0005)

	default:
		return s.position + noise
	}
}

func (s *Simulator) updateToneArm() {
	switch s.action {
	case NeedleFall, NeedleLongFall, NeedleLongFallBlowdown:
		s.toneArm = math.Max(1.0, s.toneArm-0.002)
	case NeedleRise:
		s.toneArm = math.Min(5.0, s.toneArm+0.002)
	case NeedleFloating:
		diff := 2.0 - s.toneArm
		s.toneArm += diff * 0.001
	default:
		s.toneArm += s.gauss(0.0005)
		s.toneArm = math.Max(1.0, math.Min(5.5, s.toneArm))
	}
}
