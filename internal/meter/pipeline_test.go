package meter

import "testing"

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BiquadCutoffHz:        3,
		BiquadQ:               0.707,
		SMDMass:               1,
		SMDDamping:            14.1,
		SMDSpring:             50,
		SampleRateHz:          62,
		BaselineWindowSeconds: 30,
		BaselineMinSamples:    120,
		NeedleScale:           2000,
	}
}

func TestPipelineFirstSampleIsIdentity(t *testing.T) {
	p := NewPipeline(testPipelineConfig())
	smooth, position := p.Process(1000.0)
	if smooth != 1000.0 {
		t.Errorf("first smooth = %v, want 1000.0 (steady-state init)", smooth)
	}
	if position != 0.5 {
		t.Errorf("first position = %v, want 0.5 (zero deviation from baseline)", position)
	}
}

func TestPipelinePositionStaysInRange(t *testing.T) {
	p := NewPipeline(testPipelineConfig())
	for i := 0; i < 500; i++ {
		_, position := p.Process(float64(1000 + i*37%211))
		if position < 0 || position > 1 {
			t.Fatalf("position out of [0,1] range at sample %d: %v", i, position)
		}
	}
}

func TestPipelineAutoSetCapturesAfterMinSamples(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.BaselineMinSamples = 5
	p := NewPipeline(cfg)
	for i := 0; i < 4; i++ {
		p.Process(1000.0)
	}
	if p.haveSetPoint {
		t.Fatal("SET point captured before baseline_min_samples reached")
	}
	p.Process(1000.0)
	if !p.haveSetPoint {
		t.Fatal("SET point not captured after baseline_min_samples reached")
	}
}

func TestBiquadSteadyStateInit(t *testing.T) {
	f := NewBiquadFilter(3, 62, 0.707)
	out := f.Process(500.0)
	if out != 500.0 {
		t.Errorf("first biquad output = %v, want 500.0", out)
	}
}

func TestSpringMassDamperFirstSampleInit(t *testing.T) {
	s := NewSpringMassDamper(1, 14.1, 50, 1.0/62)
	out := s.Step(42.0)
	if out != 42.0 {
		t.Errorf("first SMD output = %v, want 42.0", out)
	}
}
