// Package tatracker implements component E: rolling tone-arm history,
// trend detection by linear fit, cumulative motion accounting, and the
// session-start range gate. Grounded on ta_tracker.py's TATracker.
package tatracker

import (
	"math"
	"time"
)

// Trend is the tone-arm's short-term direction over the trailing window.
type Trend string

const (
	TrendRising  Trend = "RISING"
	TrendFalling Trend = "FALLING"
	TrendStable  Trend = "STABLE"
)

// Config holds the tunable thresholds, sourced from config.TATrackerConfig.
type Config struct {
	MaxHistory          int
	NoiseThreshold       float64
	TrendWindowSeconds   float64
	TrendMinReadings     int
	TrendMinSpanSeconds  float64
	RisingSlope          float64
	FallingSlope         float64
	SessionMinTA         float64
	SessionMaxTA         float64
	MovingStdThreshold   float64
}

// DefaultConfig returns this tracker's default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxHistory:          30000,
		NoiseThreshold:      0.001,
		TrendWindowSeconds:  60.0,
		TrendMinReadings:    10,
		TrendMinSpanSeconds: 1.0,
		RisingSlope:         0.005,
		FallingSlope:        -0.005,
		SessionMinTA:        1.5,
		SessionMaxTA:        4.0,
		MovingStdThreshold:  0.05,
	}
}

type reading struct {
	value     float64
	timestamp time.Time
}

// Tracker is single-writer (the broadcaster) and single-reader (the session
// manager); its exported methods
// copy out scalar state rather than exposing the ring buffer.
type Tracker struct {
	cfg Config

	history []reading // ring buffer semantics via slice trim, capacity MaxHistory
	current float64

	sessionStartTA  float64
	haveSessionStart bool
	totalDownMotion float64
	totalUpMotion   float64
	prevTA          float64
	havePrevTA      bool
}

// NewTracker constructs a Tracker with current TA defaulted to 2.0,
// matching MeterEvent's idle default.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, current: 2.0}
}

// Update appends a new TA reading and accumulates motion.
func (t *Tracker) Update(value float64, timestamp time.Time) {
	t.current = value
	t.history = append(t.history, reading{value: value, timestamp: timestamp})
	if len(t.history) > t.cfg.MaxHistory {
		t.history = t.history[len(t.history)-t.cfg.MaxHistory:]
	}

	if t.havePrevTA {
		delta := value - t.prevTA
		if absF(delta) >= t.cfg.NoiseThreshold {
			if delta > 0 {
				t.totalUpMotion += delta
			} else {
				t.totalDownMotion += absF(delta)
			}
		}
	}
	t.prevTA = value
	t.havePrevTA = true
}

// ResetSession captures the current TA as the session start and zeros both
// motion accumulators.
func (t *Tracker) ResetSession() {
	t.sessionStartTA = t.current
	t.haveSessionStart = true
	t.totalDownMotion = 0
	t.totalUpMotion = 0
}

// SessionMotion is a read-only snapshot of cumulative session TA motion.
type SessionMotion struct {
	TotalDownMotion float64
	TotalUpMotion   float64
	NetMotion       float64
	StartTA         float64
	CurrentTA       float64
}

// SessionTAMotion returns the cumulative motion stats for the current session.
func (t *Tracker) SessionTAMotion() SessionMotion {
	start := t.current
	if t.haveSessionStart {
		start = t.sessionStartTA
	}
	return SessionMotion{
		TotalDownMotion: t.totalDownMotion,
		TotalUpMotion:   t.totalUpMotion,
		NetMotion:       t.totalUpMotion - t.totalDownMotion,
		StartTA:         start,
		CurrentTA:       t.current,
	}
}

// CanStartSession gates session start on the TA range [1.5, 4.0].
func (t *Tracker) CanStartSession() (bool, string) {
	if t.current > t.cfg.SessionMaxTA {
		return false, "TA too high"
	}
	if t.current < t.cfg.SessionMinTA {
		return false, "TA too low"
	}
	return true, "TA in range"
}

// IsMoving reports whether TA has moved meaningfully in the recent window.
func (t *Tracker) IsMoving() bool {
	if len(t.history) < 10 {
		return false
	}
	recent := t.recent(t.cfg.TrendWindowSeconds)
	if len(recent) < 2 {
		return false
	}
	return stddev(valuesOf(recent)) > t.cfg.MovingStdThreshold
}

// Trend fits a line over the trailing window and classifies its slope.
func (t *Tracker) Trend() Trend {
	recent := t.recent(t.cfg.TrendWindowSeconds)
	if len(recent) < t.cfg.TrendMinReadings {
		return TrendStable
	}

	t0 := recent[0].timestamp
	span := recent[len(recent)-1].timestamp.Sub(t0).Seconds()
	if span < t.cfg.TrendMinSpanSeconds {
		return TrendStable
	}

	xs := make([]float64, len(recent))
	ys := make([]float64, len(recent))
	for i, r := range recent {
		xs[i] = r.timestamp.Sub(t0).Seconds()
		ys[i] = r.value
	}
	slope := linearFitSlope(xs, ys)

	switch {
	case slope > t.cfg.RisingSlope:
		return TrendRising
	case slope < t.cfg.FallingSlope:
		return TrendFalling
	default:
		return TrendStable
	}
}

// Current returns the most recent TA value.
func (t *Tracker) Current() float64 { return t.current }

func (t *Tracker) recent(windowSeconds float64) []reading {
	if len(t.history) == 0 {
		return nil
	}
	latest := t.history[len(t.history)-1].timestamp
	cutoff := latest.Add(-time.Duration(windowSeconds * float64(time.Second)))

	out := make([]reading, 0, len(t.history))
	for _, r := range t.history {
		if !r.timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func valuesOf(rs []reading) []float64 {
	vs := make([]float64, len(rs))
	for i, r := range rs {
		vs[i] = r.value
	}
	return vs
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}

func linearFitSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
