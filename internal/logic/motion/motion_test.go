package motion

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/RoverGo/internal/hw/gpio"
	"github.com/cjeanneret/RoverGo/internal/hw/stepper"
)

var (
	leftPins  = [4]int{17, 18, 27, 22}
	rightPins = [4]int{5, 6, 13, 19}
)

// fastConfig keeps step periods short so tests run quickly.
var fastConfig = ChannelConfig{
	Deadzone:  0.1,
	BaseDelay: 100 * time.Microsecond,
	MinDelay:  200 * time.Microsecond,
}

// recordingDriver is a concurrency-safe GPIO fake. It counts writers that
// are inside WritePin at the same time for each motor's pin group, which
// exposes two loops driving one channel.
type recordingDriver struct {
	mu      sync.Mutex
	levels  map[int]gpio.Level
	writes  map[int]int // pin -> number of writes
	seq     []pinWrite
	failAt  int64       // fail the Nth write (1-based) when > 0
	nWrites atomic.Int64
	failAll atomic.Bool // fail every write while set

	groupOf  map[int]int
	inflight [2]atomic.Int32
	overlap  atomic.Bool
}

type pinWrite struct {
	pin   int
	level gpio.Level
}

func newRecordingDriver() *recordingDriver {
	d := &recordingDriver{
		levels:  make(map[int]gpio.Level),
		writes:  make(map[int]int),
		groupOf: make(map[int]int),
	}
	for _, p := range leftPins {
		d.groupOf[p] = 0
	}
	for _, p := range rightPins {
		d.groupOf[p] = 1
	}
	return d
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error { return nil }

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	g := d.groupOf[pin]
	if d.inflight[g].Add(1) > 1 {
		d.overlap.Store(true)
	}
	defer d.inflight[g].Add(-1)

	n := d.nWrites.Add(1)
	if d.failAll.Load() || (d.failAt > 0 && n == d.failAt) {
		return errors.New("bus error")
	}
	time.Sleep(5 * time.Microsecond)

	d.mu.Lock()
	d.levels[pin] = level
	d.writes[pin]++
	d.seq = append(d.seq, pinWrite{pin, level})
	d.mu.Unlock()
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) { return gpio.Low, nil }
func (d *recordingDriver) Close() error                         { return nil }

func (d *recordingDriver) allLow(pins [4]int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range pins {
		if d.levels[p] != gpio.Low {
			return false
		}
	}
	return true
}

func (d *recordingDriver) writeCount(pins [4]int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range pins {
		n += d.writes[p]
	}
	return n
}

// writesSince returns the ordered writes recorded after the first n.
func (d *recordingDriver) writesSince(n int) []pinWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pinWrite(nil), d.seq[n:]...)
}

func (d *recordingDriver) seqLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seq)
}

func newTestChannel(t *testing.T, drv gpio.Driver, name string, pins [4]int, cfg ChannelConfig) *Channel {
	t.Helper()
	m, err := stepper.NewMotor(drv, stepper.Config{Name: name, Pins: pins})
	if err != nil {
		t.Fatalf("NewMotor: %v", err)
	}
	table, _ := stepper.TableByName(stepper.HalfStep)
	return NewChannel(name, m, table, cfg)
}

func newTestController(t *testing.T) (*Controller, *recordingDriver) {
	t.Helper()
	drv := newRecordingDriver()
	left := newTestChannel(t, drv, "left", leftPins, fastConfig)
	right := newTestChannel(t, drv, "right", rightPins, fastConfig)
	return NewController(left, right), drv
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}
