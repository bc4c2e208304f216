package broadcaster

import (
	"context"
	"sync"
	"testing"
	"time"

	"meterengine/internal/meter"
)

type fakeSource struct {
	mu        sync.Mutex
	out       chan meter.Sample
	available bool
	started   bool
	stopped   bool
}

func newFakeSource(capacity int) *fakeSource {
	return &fakeSource{out: make(chan meter.Sample, capacity), available: true}
}

func (f *fakeSource) Start(ctx context.Context) {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeSource) Samples() <-chan meter.Sample { return f.out }

func (f *fakeSource) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeSource) push(s meter.Sample) {
	f.out <- s
}

type fakeSink struct {
	mu     sync.Mutex
	events []meter.MeterEvent
}

func (s *fakeSink) BroadcastEvent(ev meter.MeterEvent, extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBroadcasterEmitsEvents(t *testing.T) {
	src := newFakeSource(256)
	classifier := meter.NewClassifier(meter.DefaultClassifierConfig())
	sink := &fakeSink{}

	b := New("sess-1", src, classifier, meter.DefaultClassifierConfig().WindowSize, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	defer func() {
		cancel()
		b.Stop()
	}()

	base := time.Now()
	for i := 0; i < 10; i++ {
		src.push(meter.Sample{Timestamp: base.Add(time.Duration(i) * 10 * time.Millisecond), Position: 0.5, ToneArm: 2.5})
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if sink.count() == 0 {
		t.Fatal("expected at least one broadcast event")
	}
}

func TestBroadcasterTrackersReceiveSamples(t *testing.T) {
	src := newFakeSource(256)
	classifier := meter.NewClassifier(meter.DefaultClassifierConfig())
	sink := &fakeSink{}
	b := New("sess-2", src, classifier, meter.DefaultClassifierConfig().WindowSize, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	defer func() {
		cancel()
		b.Stop()
	}()

	base := time.Now()
	for i := 0; i < 5; i++ {
		src.push(meter.Sample{Timestamp: base.Add(time.Duration(i) * 10 * time.Millisecond), Position: 0.5, ToneArm: 2.0 + float64(i)*0.1})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.TATracker().Current() != 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if b.TATracker().Current() == 0 {
		t.Fatal("expected tone-arm tracker to observe fed samples")
	}
}

func TestBroadcasterStopIsIdempotent(t *testing.T) {
	src := newFakeSource(8)
	classifier := meter.NewClassifier(meter.DefaultClassifierConfig())
	b := New("sess-3", src, classifier, meter.DefaultClassifierConfig().WindowSize, &fakeSink{}, nil)

	ctx := context.Background()
	b.Start(ctx)
	b.Stop()
	b.Stop() // must not panic or block
}
