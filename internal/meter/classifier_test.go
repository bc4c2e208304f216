package meter

import (
	"math"
	"math/rand"
	"testing"
)

func TestClassifyBelowWindowSizeReturnsIdle(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	window := make([]float64, 199)
	action, conf := c.Classify(window)
	if action != NeedleIdle || conf != 0 {
		t.Errorf("Classify(199 samples) = (%v, %v), want (idle, 0)", action, conf)
	}
}

// 0.5 + 0.1*sin(2*pi*0.3*t) at 100Hz -> floating, 0.85.
func TestClassifyFloatingNeedle(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	window := make([]float64, 200)
	for i := range window {
		t := float64(i) / 100.0
		window[i] = 0.5 + 0.1*math.Sin(2*math.Pi*0.3*t)
	}
	action, conf := c.Classify(window)
	if action != NeedleFloating {
		t.Errorf("action = %v, want floating", action)
	}
	if conf != 0.85 {
		t.Errorf("confidence = %v, want 0.85", conf)
	}
}

// Scenario 2: monotonic ramp 0.9 -> 0.1 over 200 samples -> long_fall.
func TestClassifyLongFall(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	window := make([]float64, 200)
	for i := range window {
		frac := float64(i) / 199.0
		window[i] = 0.9 - frac*0.8
	}
	action, _ := c.Classify(window)
	if action != NeedleLongFall {
		t.Errorf("action = %v, want long_fall", action)
	}
}

// Scenario 3: constant 0.5 + small noise -> stuck, confidence ~1.0.
func TestClassifyStuck(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	rng := rand.New(rand.NewSource(7))
	window := make([]float64, 200)
	for i := range window {
		window[i] = 0.5 + rng.NormFloat64()*0.001
	}
	action, conf := c.Classify(window)
	if action != NeedleStuck {
		t.Errorf("action = %v, want stuck", action)
	}
	if conf < 0.5 {
		t.Errorf("confidence = %v, want high confidence for near-zero variance", conf)
	}
}

func TestClassifyOutputsAreAlwaysInVocabularyAndRange(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	rng := rand.New(rand.NewSource(99))
	valid := map[NeedleAction]bool{
		NeedleIdle: true, NeedleFall: true, NeedleLongFall: true, NeedleLongFallBlowdown: true,
		NeedleSpeededFall: true, NeedleRise: true, NeedleThetaBlink: true, NeedleRockSlam: true,
		NeedleStuck: true, NeedleFloating: true, NeedleFreeNeedle: true, NeedleStageFour: true,
		NeedleBodyMotion: true, NeedleSqueeze: true, NeedleDirtyNeedle: true, NeedleNullTA: true,
		NeedleRocketRead: true, NeedleTick: true, NeedleDoubleTick: true, NeedleSticky: true,
		NeedleNull: true,
	}

	for trial := 0; trial < 20; trial++ {
		window := make([]float64, 200)
		for i := range window {
			window[i] = rng.Float64()
		}
		action, conf := c.Classify(window)
		if !valid[action] {
			t.Errorf("trial %d: action %v not in the 21-label vocabulary", trial, action)
		}
		if conf < 0 || conf > 1 {
			t.Errorf("trial %d: confidence %v out of [0,1]", trial, conf)
		}
	}
}

func TestLeastSquaresSlope(t *testing.T) {
	ys := []float64{0, 1, 2, 3, 4}
	slope := leastSquaresSlope(ys)
	if math.Abs(slope-1.0) > 1e-9 {
		t.Errorf("slope = %v, want 1.0", slope)
	}
}
