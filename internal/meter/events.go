// Package meter implements the device/simulator signal sources (components
// A and B), the shared signal-conditioning pipeline (component C), and the
// FFT-based needle classifier (component D).
package meter

import "time"

// NeedleAction is one of the 21 needle-behavior labels the classifier
// (component D) assigns to a window of conditioned samples.
type NeedleAction string

const (
	NeedleIdle             NeedleAction = "idle"
	NeedleFall             NeedleAction = "fall"
	NeedleLongFall         NeedleAction = "long_fall"
	NeedleLongFallBlowdown NeedleAction = "long_fall_blowdown"
	NeedleSpeededFall      NeedleAction = "speeded_fall"
	NeedleRise             NeedleAction = "rise"
	NeedleThetaBlink       NeedleAction = "theta_blink"
	NeedleRockSlam         NeedleAction = "rock_slam"
	NeedleStuck            NeedleAction = "stuck"
	NeedleFloating         NeedleAction = "floating"
	NeedleFreeNeedle       NeedleAction = "free_needle"
	NeedleStageFour        NeedleAction = "stage_four"
	NeedleBodyMotion       NeedleAction = "body_motion"
	NeedleSqueeze          NeedleAction = "squeeze"
	NeedleDirtyNeedle      NeedleAction = "dirty_needle"
	NeedleNullTA           NeedleAction = "null_ta"
	NeedleRocketRead       NeedleAction = "rocket_read"
	NeedleTick             NeedleAction = "tick"
	NeedleDoubleTick       NeedleAction = "double_tick"
	NeedleSticky           NeedleAction = "sticky"
	NeedleNull             NeedleAction = "null"
)

// TATrend labels the short-term direction of the tone-arm reading.
type TATrend string

const (
	TATrendRising  TATrend = "RISING"
	TATrendFalling TATrend = "FALLING"
	TATrendStable  TATrend = "STABLE"
)

// MeterEvent is one needle reading, built by the broadcaster and emitted
// to its sink at 10 Hz; NeedleAction and Confidence carry the most recent
// classification, which the broadcaster recomputes every 2 s rather than
// on every raw sample.
type MeterEvent struct {
	Timestamp     time.Time    `json:"timestamp"`
	NeedleAction  NeedleAction `json:"needleAction"`
	Position      float64      `json:"position"` // 0.0-1.0
	ToneArm       float64      `json:"toneArm"`  // 0.0-6.0
	Sensitivity   float64      `json:"sensitivity"`
	SessionID     string       `json:"sessionId,omitempty"`
	TATrend       TATrend      `json:"taTrend"`
	IsInstantRead bool         `json:"isInstantRead"`
	Context       string       `json:"context,omitempty"`
	Confidence    float64      `json:"confidence"`
}

// IsFloatingNeedle reports whether this event's action is a floating needle.
// Carried over from the original `events.py` (SPEC_FULL supplemented feature).
func (e MeterEvent) IsFloatingNeedle() bool {
	return e.NeedleAction == NeedleFloating
}

// IsEndPhenomenaCandidate reports whether this event could indicate end
// phenomena (floating needle or free needle).
func (e MeterEvent) IsEndPhenomenaCandidate() bool {
	return e.NeedleAction == NeedleFloating || e.NeedleAction == NeedleFreeNeedle
}

// NewMeterEvent returns an event with the idle defaults (centered needle,
// neutral tone arm, idle action).
func NewMeterEvent(sessionID string) MeterEvent {
	return MeterEvent{
		Timestamp:    time.Now(),
		NeedleAction: NeedleIdle,
		Position:     0.5,
		ToneArm:      2.0,
		Sensitivity:  16.0,
		SessionID:    sessionID,
		TATrend:      TATrendStable,
	}
}

// Sample is a single conditioned reading produced by a Source (device or
// simulator): position on the 0.0-1.0 scale (the value the classifier's
// sliding window accumulates), tone arm, the smoothed signal value, and
// the raw ADC reading.
type Sample struct {
	Timestamp time.Time
	Position  float64
	ToneArm   float64
	Smooth    float64
	RawADC    float64
}
