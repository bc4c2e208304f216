package meter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestParseReport(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"too short", []byte{0x01, 0x00, 0x01}, false},
		{"wrong report id", []byte{0x02, 0x00, 0x01, 0x02, 0x03}, false},
		{"valid report", []byte{0x01, 0x00, 0x01, 0x02, 0x03, 0xff}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseReport(tt.data)
			if ok != tt.ok {
				t.Errorf("parseReport(%v) ok = %v, want %v", tt.data, ok, tt.ok)
			}
		})
	}
}

func TestParseReportADCScale(t *testing.T) {
	// bytes [2..4] = 0x010203 big-endian
	data := []byte{0x01, 0x00, 0x01, 0x02, 0x03}
	value, ok := parseReport(data)
	if !ok {
		t.Fatal("expected ok=true")
	}
	want := float64(0x010203) * adcScale
	if value != want {
		t.Errorf("value = %v, want %v", value, want)
	}
}

// fakeConn is an in-memory rawDeviceConn for testing the reconnect loop
// without any hardware backend.
type fakeConn struct {
	reports [][]byte
	idx     int
	closed  bool
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.idx >= len(f.reports) {
		return 0, io.EOF
	}
	n := copy(p, f.reports[f.idx])
	f.idx++
	return n, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestDeviceReaderProducesSamplesFromOpener(t *testing.T) {
	report := []byte{0x01, 0x00, 0x00, 0x00, 0x64} // ADC=100
	conn := &fakeConn{reports: [][]byte{report, report, report}}

	opened := false
	reader := NewDeviceReader(DeviceReaderConfig{
		VID: 0x1fc9, PID: 0x0003,
		ReconnectCooldown: 10 * time.Millisecond,
		QueueCapacity:     10,
		Opener: func(vid, pid uint16) (rawDeviceConn, error) {
			opened = true
			return conn, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	reader.Start(ctx)

	select {
	case sample := <-reader.Samples():
		if sample.ADCValue <= 0 {
			t.Errorf("ADCValue = %v, want > 0", sample.ADCValue)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a sample")
	}

	cancel()
	reader.Stop()

	if !opened {
		t.Error("opener was never called")
	}
}

func TestDeviceReaderRetriesOnOpenFailure(t *testing.T) {
	attempts := 0
	reader := NewDeviceReader(DeviceReaderConfig{
		ReconnectCooldown: 5 * time.Millisecond,
		QueueCapacity:     10,
		Opener: func(vid, pid uint16) (rawDeviceConn, error) {
			attempts++
			return nil, errors.New("no device")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	reader.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	reader.Stop()

	if attempts < 2 {
		t.Errorf("attempts = %d, want >= 2 (reconnect loop should retry)", attempts)
	}
}

func TestDefaultOpenerReturnsErrNoHardwareBackend(t *testing.T) {
	_, err := defaultOpener(0x1fc9, 0x0003)
	if !errors.Is(err, ErrNoHardwareBackend) {
		t.Errorf("err = %v, want ErrNoHardwareBackend", err)
	}
}
