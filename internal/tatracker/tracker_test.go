package tatracker

import (
	"testing"
	"time"
)

func TestUpdateAccumulatesMotion(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	base := time.Now()

	tr.Update(2.0, base)
	tr.Update(2.1, base.Add(time.Second))
	tr.Update(2.05, base.Add(2*time.Second))

	m := tr.SessionTAMotion()
	if m.TotalUpMotion <= 0 {
		t.Errorf("TotalUpMotion = %v, want > 0", m.TotalUpMotion)
	}
	if m.TotalDownMotion <= 0 {
		t.Errorf("TotalDownMotion = %v, want > 0", m.TotalDownMotion)
	}
}

func TestUpdateIgnoresSubNoiseDelta(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	base := time.Now()
	tr.Update(2.0, base)
	tr.Update(2.0001, base.Add(time.Second))

	m := tr.SessionTAMotion()
	if m.TotalUpMotion != 0 || m.TotalDownMotion != 0 {
		t.Errorf("expected no motion accumulated below noise threshold, got up=%v down=%v", m.TotalUpMotion, m.TotalDownMotion)
	}
}

func TestResetSessionCapturesStartAndZeroesMotion(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	base := time.Now()
	tr.Update(2.0, base)
	tr.Update(2.2, base.Add(time.Second))

	tr.ResetSession()
	m := tr.SessionTAMotion()
	if m.StartTA != 2.2 {
		t.Errorf("StartTA = %v, want 2.2", m.StartTA)
	}
	if m.TotalUpMotion != 0 || m.TotalDownMotion != 0 {
		t.Error("expected motion accumulators zeroed after ResetSession")
	}

	tr.Update(2.3, base.Add(2*time.Second))
	m = tr.SessionTAMotion()
	if m.TotalUpMotion <= 0 {
		t.Errorf("expected motion accumulated after reset, got %v", m.TotalUpMotion)
	}
}

func TestCanStartSession(t *testing.T) {
	tests := []struct {
		ta   float64
		want bool
	}{
		{0.5, false},
		{1.5, true},
		{2.5, true},
		{4.0, true},
		{4.5, false},
	}
	for _, tt := range tests {
		tr := NewTracker(DefaultConfig())
		tr.Update(tt.ta, time.Now())
		ok, _ := tr.CanStartSession()
		if ok != tt.want {
			t.Errorf("CanStartSession() at TA=%v = %v, want %v", tt.ta, ok, tt.want)
		}
	}
}

func TestTrendRisingFallingStable(t *testing.T) {
	base := time.Now()

	rising := NewTracker(DefaultConfig())
	for i := 0; i < 15; i++ {
		rising.Update(2.0+float64(i)*0.05, base.Add(time.Duration(i)*5*time.Second))
	}
	if got := rising.Trend(); got != TrendRising {
		t.Errorf("rising series Trend() = %v, want RISING", got)
	}

	falling := NewTracker(DefaultConfig())
	for i := 0; i < 15; i++ {
		falling.Update(3.0-float64(i)*0.05, base.Add(time.Duration(i)*5*time.Second))
	}
	if got := falling.Trend(); got != TrendFalling {
		t.Errorf("falling series Trend() = %v, want FALLING", got)
	}

	stable := NewTracker(DefaultConfig())
	for i := 0; i < 15; i++ {
		stable.Update(2.5, base.Add(time.Duration(i)*5*time.Second))
	}
	if got := stable.Trend(); got != TrendStable {
		t.Errorf("flat series Trend() = %v, want STABLE", got)
	}
}

func TestTrendStableWithInsufficientReadings(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update(2.0, time.Now())
	if got := tr.Trend(); got != TrendStable {
		t.Errorf("Trend() with 1 reading = %v, want STABLE", got)
	}
}

func TestIsMovingRequiresVariance(t *testing.T) {
	base := time.Now()
	steady := NewTracker(DefaultConfig())
	for i := 0; i < 15; i++ {
		steady.Update(2.0, base.Add(time.Duration(i)*time.Second))
	}
	if steady.IsMoving() {
		t.Error("expected steady readings to not count as moving")
	}

	jumpy := NewTracker(DefaultConfig())
	for i := 0; i < 15; i++ {
		v := 2.0
		if i%2 == 0 {
			v = 2.5
		}
		jumpy.Update(v, base.Add(time.Duration(i)*time.Second))
	}
	if !jumpy.IsMoving() {
		t.Error("expected oscillating readings to count as moving")
	}
}

func TestHistoryCapsAtMaxHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistory = 5
	tr := NewTracker(cfg)
	base := time.Now()
	for i := 0; i < 20; i++ {
		tr.Update(2.0, base.Add(time.Duration(i)*time.Second))
	}
	if len(tr.history) != 5 {
		t.Errorf("len(history) = %d, want 5", len(tr.history))
	}
}
