package motion

import (
	"errors"
	"sync"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/mathx"
)

// Controller drives the rover with two independent channels (tank drive).
// It is the layer between control sources (web, console, gamepad) and the
// motor channels; calls are serialized so concurrent sources see
// last-writer-wins without half-applied speed pairs.
type Controller struct {
	mu    sync.Mutex // single writer
	left  *Channel
	right *Channel
}

func NewController(left, right *Channel) *Controller {
	return &Controller{
		left:  left,
		right: right,
	}
}

// SetSpeeds replaces both channel speeds. Each channel's old loop is
// retired before its new one starts; the two motors transition
// concurrently since they share nothing. Faults of both channels are
// returned together.
func (c *Controller) SetSpeeds(left, right float64) error {
	left, right = mathx.Unit(left), mathx.Unit(right)

	c.mu.Lock()
	defer c.mu.Unlock()

	var wg sync.WaitGroup
	var lerr, rerr error
	wg.Add(2)
	go func() { defer wg.Done(); lerr = c.left.Drive(left) }()
	go func() { defer wg.Done(); rerr = c.right.Drive(right) }()
	wg.Wait()

	debug.Verbose("Drive: left %v/step, right %v/step", c.left.Delay(), c.right.Delay())
	return errors.Join(lerr, rerr)
}

// Execute applies a symbolic command.
func (c *Controller) Execute(cmd Command) error {
	debug.Live("Execute %s", cmd)
	l, r := cmd.Speeds()
	return c.SetSpeeds(l, r)
}

// Halt stops both motors and deasserts their coils.
func (c *Controller) Halt() error {
	return c.Execute(Stop)
}

// Snapshot is the read-only drive state exposed to telemetry.
type Snapshot struct {
	Left  ChannelSnapshot `json:"left"`
	Right ChannelSnapshot `json:"right"`
}

// Snapshot returns the current state of both channels.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Left:  c.left.Snapshot(),
		Right: c.right.Snapshot(),
	}
}
