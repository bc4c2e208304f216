package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// reportIDSample is the HID report id byte the Theta-Meter 3G Solo marks its
// ADC-sample reports with; everything else is silently discarded.
const reportIDSample = 0x01

// adcScale converts a 24-bit raw ADC count to ADC units:
// 1,650,000 / 2^23, per the device's HID wire format.
const adcScale = 1_650_000.0 / 8_388_608.0

// rawDeviceConn is the raw I/O boundary to the physical HID endpoint. No HID
// library is wired into this module (see DESIGN.md) — this interface is the
// one standard-library-shaped seam where a real HID backend plugs in; every
// byte-parsing, queueing, and reconnect concern around it is fully built and
// tested independent of any concrete implementation.
type rawDeviceConn interface {
	Read(p []byte) (int, error)
	Close() error
}

// DeviceOpener opens the physical device identified by vid/pid, or returns
// an error if it is unavailable. Swappable for tests and for wiring in a
// real HID backend without touching DeviceReader.
type DeviceOpener func(vid, pid uint16) (rawDeviceConn, error)

// ErrNoHardwareBackend is returned by the default DeviceOpener, since this
// module carries no HID library (see DESIGN.md's stdlib-boundary entry).
var ErrNoHardwareBackend = errors.New("meter: no HID backend configured for this build")

func defaultOpener(vid, pid uint16) (rawDeviceConn, error) {
	return nil, fmt.Errorf("%w (vid=0x%04x pid=0x%04x)", ErrNoHardwareBackend, vid, pid)
}

// DeviceReaderConfig configures a DeviceReader.
type DeviceReaderConfig struct {
	VID, PID         uint16
	ReconnectCooldown time.Duration
	QueueCapacity     int
	Opener            DeviceOpener // nil uses defaultOpener
}

// DeviceReader is component A: it opens the HID endpoint on a dedicated
// worker goroutine, parses 24-bit big-endian ADC frames, and pushes
// timestamped raw samples to a bounded drop-oldest queue. Grounded on
// hid_reader.py's HIDMeterReader (`_read_loop`/`_parse_report`).
type DeviceReader struct {
	cfg    DeviceReaderConfig
	opener DeviceOpener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	queue chan rawADCSample
}

// rawADCSample is one parsed-but-unconditioned reading pushed by the worker.
type rawADCSample struct {
	Timestamp time.Time
	ADCValue  float64
}

// NewDeviceReader constructs a DeviceReader with the given configuration.
func NewDeviceReader(cfg DeviceReaderConfig) *DeviceReader {
	opener := cfg.Opener
	if opener == nil {
		opener = defaultOpener
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.ReconnectCooldown <= 0 {
		cfg.ReconnectCooldown = 750 * time.Millisecond
	}
	return &DeviceReader{
		cfg:    cfg,
		opener: opener,
		queue:  make(chan rawADCSample, cfg.QueueCapacity),
	}
}

// Start begins reading on a dedicated worker goroutine. Safe to call once;
// a second call while running is a no-op.
func (d *DeviceReader) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.mu.Unlock()

	go d.readLoop(runCtx)
}

// Stop cancels the worker and waits up to 2s for it to exit, matching the
// broadcaster's stop-and-join timeout.
func (d *DeviceReader) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Samples returns the bounded, drop-oldest sample queue.
func (d *DeviceReader) Samples() <-chan rawADCSample {
	return d.queue
}

// TryOpen reports whether the hardware endpoint is currently reachable,
// without starting the read loop. Used by the broadcaster's reconnect
// probe.
func (d *DeviceReader) TryOpen() bool {
	conn, err := d.opener(d.cfg.VID, d.cfg.PID)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (d *DeviceReader) readLoop(ctx context.Context) {
	defer close(d.done)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := d.opener(d.cfg.VID, d.cfg.PID)
		if err != nil {
			if !sleepOrDone(ctx, d.cfg.ReconnectCooldown) {
				return
			}
			continue
		}

		d.consume(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if !sleepOrDone(ctx, d.cfg.ReconnectCooldown) {
			return
		}
	}
}

func (d *DeviceReader) consume(ctx context.Context, conn rawDeviceConn) {
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n < 5 {
			continue
		}

		value, ok := parseReport(buf[:n])
		if !ok {
			continue
		}

		sample := rawADCSample{Timestamp: time.Now(), ADCValue: value}
		d.pushDropOldest(sample)
	}
}

func (d *DeviceReader) pushDropOldest(sample rawADCSample) {
	select {
	case d.queue <- sample:
	default:
		select {
		case <-d.queue:
		default:
		}
		select {
		case d.queue <- sample:
		default:
		}
	}
}

// parseReport decodes a raw HID report into ADC units. Byte 0 must be
// the sample report id; bytes [2..4] are a big-endian 24-bit unsigned
// ADC count.
func parseReport(data []byte) (float64, bool) {
	if len(data) < 5 || data[0] != reportIDSample {
		return 0, false
	}
	raw24 := (uint32(data[2]) << 16) | (uint32(data[3]) << 8) | uint32(data[4])
	return float64(raw24) * adcScale, true
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// HardwareSource adapts a DeviceReader's raw ADC stream into conditioned
// Samples by running each raw value through a Pipeline (component C). It
// implements the Source interface the broadcaster (component G) and the
// source factory consume.
type HardwareSource struct {
	reader   *DeviceReader
	pipeline *Pipeline
	out      chan Sample
	tonearm  float64
}

// NewHardwareSource builds a HardwareSource over the given reader config and
// pipeline config.
func NewHardwareSource(readerCfg DeviceReaderConfig, pipelineCfg PipelineConfig) *HardwareSource {
	return &HardwareSource{
		reader:   NewDeviceReader(readerCfg),
		pipeline: NewPipeline(pipelineCfg),
		out:      make(chan Sample, readerCfg.QueueCapacity),
		tonearm:  2.5,
	}
}

// Start starts the underlying device reader and the conditioning loop.
func (h *HardwareSource) Start(ctx context.Context) {
	h.reader.Start(ctx)
	go h.conditionLoop(ctx)
}

// Stop stops the underlying device reader.
func (h *HardwareSource) Stop() {
	h.reader.Stop()
}

// Samples returns the conditioned sample stream.
func (h *HardwareSource) Samples() <-chan Sample {
	return h.out
}

// Available reports whether the physical device is currently reachable,
// without altering run state — used by the broadcaster's reconnect probe.
func (h *HardwareSource) Available() bool {
	return h.reader.TryOpen()
}

// SetReference forwards a manual SET-reference capture to the pipeline.
func (h *HardwareSource) SetReference() {
	h.pipeline.SetReference()
}

func (h *HardwareSource) conditionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-h.reader.Samples():
			if !ok {
				return
			}
			smooth, position := h.pipeline.Process(raw.ADCValue)
			sample := Sample{
				Timestamp: raw.Timestamp,
				Position:  position,
				ToneArm:   h.tonearm,
				Smooth:    smooth,
				RawADC:    raw.ADCValue,
			}
			select {
			case h.out <- sample:
			default:
				select {
				case <-h.out:
				default:
				}
				select {
				case h.out <- sample:
				default:
				}
			}
		}
	}
}
