package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/hw/stepper"
	"github.com/cjeanneret/RoverGo/internal/mathx"
)

const (
	DefaultDeadzone  = 0.1
	DefaultBaseDelay = 1 * time.Millisecond
	DefaultMinDelay  = 3 * time.Millisecond

	// Floor for |speed| in the delay division.
	minSpeedDenominator = 0.01
)

// State is a channel's stepping state.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelConfig tunes the speed-to-timing conversion of one channel.
type ChannelConfig struct {
	Deadzone  float64       // |speed| below this stops the channel
	BaseDelay time.Duration // step period at full speed before the floor
	MinDelay  time.Duration // lower bound of the step period
	Inverted  bool          // motor mounted mirrored: positive speed steps backwards
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.Deadzone < 0 || c.Deadzone >= 1 || math.IsNaN(c.Deadzone) {
		c.Deadzone = DefaultDeadzone
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	return c
}

// StepDelay converts a speed in [-1, 1] into the wait between two steps:
// max(minDelay, baseDelay / |speed|), with |speed| floored so a speed
// near zero can never produce an unbounded wait.
func StepDelay(speed float64, baseDelay, minDelay time.Duration) time.Duration {
	den := math.Max(math.Abs(speed), minSpeedDenominator)
	d := time.Duration(float64(baseDelay) / den)
	if d < minDelay {
		d = minDelay
	}
	return d
}

// loop is the handle of one running stepping goroutine.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error // written by the loop before done is closed
}

func (l *loop) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Channel sequences one stepper motor. It owns at most one stepping loop
// at a time; Drive retires the old loop completely (coils deasserted)
// before a new one issues its first write.
type Channel struct {
	name  string
	motor *stepper.Motor
	table stepper.StepTable
	cfg   ChannelConfig

	mu     sync.Mutex
	target float64
	delay  time.Duration
	run    *loop
	fault  error

	// index belongs to the running loop; it is handed back when the loop
	// closes done and read by the next Drive after that.
	index int
}

// NewChannel creates an idle channel for the motor.
func NewChannel(name string, motor *stepper.Motor, table stepper.StepTable, cfg ChannelConfig) *Channel {
	return &Channel{
		name:  name,
		motor: motor,
		table: table,
		cfg:   cfg.withDefaults(),
	}
}

// Name returns the channel name ("left", "right").
func (c *Channel) Name() string { return c.name }

// Drive sets the channel speed. Values are clamped to [-1, 1]; below the
// deadzone the channel stops. The returned error carries a fault of the
// loop that was just retired, if it failed while writing.
func (c *Channel) Drive(speed float64) error {
	speed = mathx.Unit(speed)

	c.mu.Lock()
	defer c.mu.Unlock()

	hadLoop, prevErr := c.retireLocked()
	if prevErr != nil {
		prevErr = fmt.Errorf("motor %s: previous loop: %w", c.name, prevErr)
	}

	if speed == 0 || math.Abs(speed) < c.cfg.Deadzone {
		c.target = 0
		c.delay = 0
		if !hadLoop {
			if err := c.motor.Release(); err != nil {
				return errors.Join(prevErr, err)
			}
		}
		debug.Motor(c.name, 0, Idle.String())
		return prevErr
	}

	dir := mathx.Sign(speed)
	if c.cfg.Inverted {
		dir = -dir
	}
	c.target = speed
	c.delay = StepDelay(speed, c.cfg.BaseDelay, c.cfg.MinDelay)

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	c.run = l
	go c.step(ctx, l, c.index, dir, c.delay)

	debug.Motor(c.name, speed, Running.String())
	debug.Verbose("Motor %s: step delay %v, direction %+d", c.name, c.delay, dir)
	return prevErr
}

// Halt stops the channel and returns once its loop has retired and the
// coils are deasserted.
func (c *Channel) Halt() error {
	return c.Drive(0)
}

// retireLocked cancels the active loop and waits for it to finish.
// c.mu must be held.
func (c *Channel) retireLocked() (hadLoop bool, loopErr error) {
	l := c.run
	if l == nil {
		return false, nil
	}
	l.cancel()
	<-l.done
	c.run = nil
	if l.err != nil {
		c.fault = l.err
	}
	return true, l.err
}

// step is the stepping loop. It checks for cancellation before every
// write and waits on a timer that cancellation interrupts, so a stop
// takes effect within one step period.
func (c *Channel) step(ctx context.Context, l *loop, idx, dir int, delay time.Duration) {
	defer close(l.done)
	defer func() {
		if err := c.motor.Release(); err != nil {
			l.err = errors.Join(l.err, err)
		}
		c.index = idx
		if l.err != nil {
			debug.Error(fmt.Errorf("motor %s stopped: %w", c.name, l.err))
		}
	}()

	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		var p stepper.Pattern
		idx, p = c.table.Next(idx, dir)
		if err := c.motor.Write(p); err != nil {
			l.err = err
			return
		}

		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// Delay returns the step period of the running loop, 0 when idle.
func (c *Channel) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// ChannelSnapshot is a read-only view of a channel for telemetry.
type ChannelSnapshot struct {
	Name        string  `json:"name"`
	TargetSpeed float64 `json:"target_speed"`
	State       State   `json:"state"`
	StepDelayUs int64   `json:"step_delay_us"`
	Fault       string  `json:"fault,omitempty"`
}

// Snapshot captures the channel's current state.
func (c *Channel) Snapshot() ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := ChannelSnapshot{
		Name:        c.name,
		TargetSpeed: c.target,
		State:       Idle,
	}
	if c.run != nil && !c.run.finished() {
		s.State = Running
		s.StepDelayUs = c.delay.Microseconds()
	}
	fault := c.fault
	if c.run != nil && c.run.finished() && c.run.err != nil {
		fault = c.run.err
	}
	if fault != nil {
		s.Fault = fault.Error()
	}
	return s
}
