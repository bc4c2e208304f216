// Package broadcaster implements component G: the async pipeline that
// drains a source's sample channel, feeds the tone-arm and charge
// trackers, classifies on a fixed cadence, and emits meter events at a
// fixed broadcast rate. Grounded on meter_engine/broadcaster.py's
// MeterBroadcaster loop.
package broadcaster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"meterengine/internal/charge"
	"meterengine/internal/logger"
	"meterengine/internal/meter"
	"meterengine/internal/source"
	"meterengine/internal/tatracker"
)

const (
	classifyInterval   = 2 * time.Second
	broadcastRate      = 10 // Hz
	tickInterval       = 10 * time.Millisecond
	maxDrainPerTick    = 20
	rawBufferRetention = 5 * time.Second

	// Stall detection and reconnect policy are new relative to the
	// original Python, which selects hardware-or-simulator once at
	// startup and never swaps again. Here the source can go stale mid
	// session (cable pulled, device sleeps), so the broadcaster watches
	// for it and swaps to a freshly-probed source no more than once
	// every reconnectCooldown.
	stallThreshold    = 3 * time.Second
	reconnectCooldown = 4 * time.Second
)

// EventSink receives broadcast-ready meter events, e.g. a WebSocket hub.
type EventSink interface {
	BroadcastEvent(ev meter.MeterEvent, extra map[string]any)
}

// Broadcaster drives the drain/classify/emit loop for the process
// lifetime; SetSessionID retags its events as sessions come and go.
type Broadcaster struct {
	sessionID string
	src       source.Source
	rebuild   func() (source.Source, error)
	classifier *meter.Classifier
	taTracker  *tatracker.Tracker
	chargeTracker *charge.Tracker
	sink      EventSink

	mu               sync.Mutex
	window           []float64 // rolling classify window, capacity = classifier window size
	windowSize       int
	rawBuffer        []rawPoint
	currentAction    meter.NeedleAction
	currentConfidence float64
	currentPosition  float64
	currentTA        float64
	currentRaw       float64
	lastClassifyTime time.Time
	lastSampleTime   time.Time
	lastReconnectAt  time.Time
	usingHardware    bool

	samplesReceived int64

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	running int32
}

type rawPoint struct {
	timestamp time.Time
	value     float64
}

// New constructs a Broadcaster bound to one source instance. rebuild, if
// non-nil, is called to re-probe for a fresh source on stall recovery.
func New(sessionID string, src source.Source, classifier *meter.Classifier, windowSize int, sink EventSink, rebuild func() (source.Source, error)) *Broadcaster {
	return &Broadcaster{
		sessionID:     sessionID,
		src:           src,
		classifier:    classifier,
		windowSize:    windowSize,
		taTracker:     tatracker.NewTracker(tatracker.DefaultConfig()),
		chargeTracker: charge.NewTracker(charge.DefaultConfig()),
		sink:          sink,
		rebuild:       rebuild,
		currentPosition: 0.5,
		currentTA:       2.5,
		usingHardware:   src.Available(),
	}
}

// TATracker exposes the tone-arm tracker for session-phase gating.
func (b *Broadcaster) TATracker() *tatracker.Tracker { return b.taTracker }

// SetTATrackerConfig rebuilds the tone-arm tracker from a
// config.TATrackerConfig-sourced tatracker.Config, overriding the
// DefaultConfig New() installs. Must be called before Start().
func (b *Broadcaster) SetTATrackerConfig(cfg tatracker.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taTracker = tatracker.NewTracker(cfg)
}

// SetChargeConfig rebuilds the charge tracker from a
// config.ChargeConfig-sourced charge.Config, overriding the
// DefaultConfig New() installs. Must be called before Start().
func (b *Broadcaster) SetChargeConfig(cfg charge.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chargeTracker = charge.NewTracker(cfg)
}

// ChargeTracker exposes the charge tracker so the orchestrator can
// announce questions and read back scores.
func (b *Broadcaster) ChargeTracker() *charge.Tracker { return b.chargeTracker }

// SetSessionID retags the meter events this (process-lifetime, always
// running) broadcaster stamps once a router attaches or detaches a
// session, matching the original's reassignable `broadcaster.session_id`.
func (b *Broadcaster) SetSessionID(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = sessionID
}

// CurrentEvent reports the broadcaster's most recently classified
// reading, used by the router to snapshot meter state into a manual PC
// input turn without waiting for the next broadcast tick.
func (b *Broadcaster) CurrentEvent() meter.MeterEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := meter.NewMeterEvent(b.sessionID)
	ev.NeedleAction = b.currentAction
	ev.Position = b.currentPosition
	ev.ToneArm = b.currentTA
	ev.Confidence = b.currentConfidence
	return ev
}

// Start begins the drain/classify/emit loop in its own goroutine.
func (b *Broadcaster) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&b.running, 0, 1) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.runCtx = runCtx
	b.cancel = cancel
	b.done = make(chan struct{})

	b.src.Start(runCtx)
	logger.Info("broadcaster started", "session_id", b.sessionID, "hardware", b.usingHardware)

	go b.run(runCtx)
}

// Stop halts the loop and the underlying source.
func (b *Broadcaster) Stop() {
	if !atomic.CompareAndSwapInt32(&b.running, 1, 0) {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
	b.src.Stop()
	logger.Info("broadcaster stopped", "session_id", b.sessionID)
}

func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastClassify := time.Now()
	lastBroadcast := time.Now()
	broadcastInterval := time.Second / broadcastRate

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.drain(now)
			b.trimRawBuffer(now)

			if now.Sub(lastClassify) >= classifyInterval {
				b.classify(now)
				lastClassify = now
			}

			if now.Sub(lastBroadcast) >= broadcastInterval {
				b.emit(now)
				lastBroadcast = now
			}

			b.checkStall(now)
		}
	}
}

func (b *Broadcaster) drain(now time.Time) {
	samples := b.src.Samples()
	drained := 0
	for drained < maxDrainPerTick {
		select {
		case s, ok := <-samples:
			if !ok {
				return
			}
			b.ingest(s)
			drained++
		default:
			return
		}
	}
}

func (b *Broadcaster) ingest(s meter.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, s.Position)
	if len(b.window) > b.windowSize {
		b.window = b.window[len(b.window)-b.windowSize:]
	}
	b.rawBuffer = append(b.rawBuffer, rawPoint{timestamp: s.Timestamp, value: s.Position})

	b.currentPosition = s.Position
	b.currentTA = s.ToneArm
	b.currentRaw = s.RawADC

	b.taTracker.Update(s.ToneArm, s.Timestamp)
	b.chargeTracker.FeedSignal(s.Timestamp, s.Position)

	b.lastSampleTime = s.Timestamp
	atomic.AddInt64(&b.samplesReceived, 1)
}

func (b *Broadcaster) trimRawBuffer(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.rawBuffer) == 0 {
		return
	}
	cutoff := now.Add(-rawBufferRetention)
	kept := b.rawBuffer[:0]
	for _, p := range b.rawBuffer {
		if !p.timestamp.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	b.rawBuffer = kept
}

func (b *Broadcaster) classify(now time.Time) {
	b.mu.Lock()
	if len(b.window) < b.windowSize {
		b.mu.Unlock()
		return
	}
	window := append([]float64(nil), b.window...)
	b.mu.Unlock()

	action, confidence := b.classifier.Classify(window)

	b.mu.Lock()
	b.currentAction = action
	b.currentConfidence = confidence
	b.lastClassifyTime = now
	b.mu.Unlock()
}

func (b *Broadcaster) emit(now time.Time) {
	b.mu.Lock()
	ev := meter.NewMeterEvent(b.sessionID)
	ev.Timestamp = now
	ev.NeedleAction = b.currentAction
	ev.Position = b.currentPosition
	ev.ToneArm = b.currentTA
	ev.Confidence = b.currentConfidence
	ev.TATrend = meter.TATrend(b.taTracker.Trend())

	extra := map[string]any{
		"hardwareConnected": b.usingHardware,
		"samplesReceived":   atomic.LoadInt64(&b.samplesReceived),
		"rawSignal":         b.currentRaw,
		"classifiedAt":      b.lastClassifyTime,
		"classifyWindow":    classifyInterval.Seconds(),
		"taMotion":          b.taTracker.SessionTAMotion(),
	}
	b.mu.Unlock()

	if b.sink != nil {
		b.sink.BroadcastEvent(ev, extra)
	}
}

// checkStall swaps to a freshly-probed source if the current one has
// gone silent for stallThreshold, no more often than reconnectCooldown.
// New relative to the original Python (see package doc).
func (b *Broadcaster) checkStall(now time.Time) {
	if b.rebuild == nil {
		return
	}
	b.mu.Lock()
	last := b.lastSampleTime
	lastReconnect := b.lastReconnectAt
	b.mu.Unlock()

	if last.IsZero() || now.Sub(last) < stallThreshold {
		return
	}
	if now.Sub(lastReconnect) < reconnectCooldown {
		return
	}

	fresh, err := b.rebuild()
	if err != nil {
		logger.Warn("broadcaster stall recovery failed", "session_id", b.sessionID, "error", err)
		return
	}

	old := b.src
	b.mu.Lock()
	b.src = fresh
	b.lastReconnectAt = now
	b.usingHardware = fresh.Available()
	b.mu.Unlock()

	old.Stop()
	fresh.Start(b.runCtx)
	logger.Info("broadcaster swapped stalled source", "session_id", b.sessionID, "hardware", b.usingHardware)
}
