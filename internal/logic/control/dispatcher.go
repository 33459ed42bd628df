package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/logic/input"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// DefaultQueueSize bounds the number of pending events.
const DefaultQueueSize = 64

// ErrQueueFull is returned when an analog event is dropped because the
// dispatcher is behind. Analog input is resent continuously by clients so
// losing a sample is harmless.
var ErrQueueFull = errors.New("control queue full")

// Driver is what the dispatcher applies resolved intents to.
// *motion.Controller satisfies it.
type Driver interface {
	SetSpeeds(left, right float64) error
	Execute(cmd motion.Command) error
	Halt() error
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize int
	// Window extends each batch by this long after its first event so that
	// events from several sources can be arbitrated together. Zero only
	// drains what is already queued.
	Window time.Duration
	Input  input.Config
}

// Stats are the dispatcher counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Applied    uint64 `json:"applied"`
	Dropped    uint64 `json:"dropped"`
	Superseded uint64 `json:"superseded"`
	Failed     uint64 `json:"failed"`
}

type queued struct {
	ev     Event
	intent input.Intent
}

// Dispatcher serializes control events from every source (web buttons,
// gamepad frames, raw tank speeds, console) onto one Driver. Events that
// arrive in the same batch are resolved by priority: stop, then discrete
// commands, then d-pad nudges, then analog speeds.
type Dispatcher struct {
	drv    Driver
	cfg    input.Config
	window time.Duration
	queue  chan queued

	received   atomic.Uint64
	applied    atomic.Uint64
	dropped    atomic.Uint64
	superseded atomic.Uint64
	failed     atomic.Uint64

	// analog is owned by the Run goroutine: true while the vehicle moves
	// because of stick or d-pad input.
	analog bool
}

// New creates a dispatcher. Call Run to start applying events.
func New(drv Driver, opts Options) *Dispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		drv:    drv,
		cfg:    opts.Input,
		window: opts.Window,
		queue:  make(chan queued, size),
	}
}

// Submit enqueues an event. Analog events never block: they fail with
// ErrQueueFull when the queue is full. Stop and discrete commands wait
// for room until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	item := queued{ev: ev, intent: ev.Intent(d.cfg)}
	d.received.Add(1)

	if item.intent.Priority < input.PriorityCommand {
		select {
		case d.queue <- item:
			return nil
		default:
			d.dropped.Add(1)
			return ErrQueueFull
		}
	}

	select {
	case d.queue <- item:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

// Run applies events until ctx is done, then halts the driver. It returns
// the halt error, if any.
func (d *Dispatcher) Run(ctx context.Context) error {
	debug.Verbose("Control dispatcher started (queue=%d, window=%v)", cap(d.queue), d.window)
	for {
		select {
		case <-ctx.Done():
			debug.Info("Control dispatcher stopping, halting motors")
			if err := d.drv.Halt(); err != nil {
				return fmt.Errorf("halt on shutdown: %w", err)
			}
			return nil
		case first := <-d.queue:
			batch := d.collect(ctx, []queued{first})
			d.applyBatch(batch)
		}
	}
}

// collect drains what is queued and, with a window, what arrives before
// it closes.
func (d *Dispatcher) collect(ctx context.Context, batch []queued) []queued {
	if d.window > 0 {
		timer := time.NewTimer(d.window)
		defer timer.Stop()
		for {
			select {
			case item := <-d.queue:
				batch = append(batch, item)
			case <-timer.C:
				return d.drain(batch)
			case <-ctx.Done():
				return d.drain(batch)
			}
		}
	}
	return d.drain(batch)
}

func (d *Dispatcher) drain(batch []queued) []queued {
	for {
		select {
		case item := <-d.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}
}

func (d *Dispatcher) applyBatch(batch []queued) {
	live, released := supersedeReleased(batch)
	intents := make([]input.Intent, len(live))
	for i, q := range live {
		intents[i] = q.intent
	}
	win := input.Resolve(intents...)
	if n := len(batch); n > 1 {
		d.superseded.Add(uint64(n - 1))
		debug.Trace("Resolved %d events to %v", n, win)
	}

	var src string
	for i := len(live) - 1; i >= 0; i-- {
		if live[i].intent == win {
			src = live[i].ev.Source
			break
		}
	}

	if win.Kind == input.KindNone && released {
		// The batch moved the rover and then let go.
		d.analog = true
	}
	if err := d.apply(src, win); err != nil {
		d.failed.Add(1)
		debug.Error(fmt.Errorf("apply %v from %s: %w", win, src, err))
	}
}

// supersedeReleased drops stick and d-pad events that a later release
// from the same source ends. released reports whether any were dropped.
func supersedeReleased(batch []queued) (live []queued, released bool) {
	releasedAt := make(map[string]int)
	for i, q := range batch {
		if q.intent.Kind == input.KindNone {
			releasedAt[q.ev.Source] = i
		}
	}
	if len(releasedAt) == 0 {
		return batch, false
	}

	live = make([]queued, 0, len(batch))
	for i, q := range batch {
		at, ok := releasedAt[q.ev.Source]
		if ok && i < at && q.intent.Priority < input.PriorityCommand && q.intent.Kind != input.KindNone {
			released = true
			continue
		}
		live = append(live, q)
	}
	return live, released
}

func (d *Dispatcher) apply(src string, in input.Intent) error {
	switch in.Kind {
	case input.KindCommand:
		debug.Command(src, in.Command.String())
		d.analog = false
		d.applied.Add(1)
		return d.drv.Execute(in.Command)

	case input.KindSpeeds:
		debug.Live("%s: speeds %+.2f / %+.2f", src, in.Left, in.Right)
		d.analog = true
		d.applied.Add(1)
		return d.drv.SetSpeeds(in.Left, in.Right)

	default:
		// Sticks back at center: stop once, then ignore idle frames.
		if !d.analog {
			return nil
		}
		debug.Live("%s: sticks released", src)
		d.analog = false
		d.applied.Add(1)
		return d.drv.SetSpeeds(0, 0)
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:   d.received.Load(),
		Applied:    d.applied.Load(),
		Dropped:    d.dropped.Load(),
		Superseded: d.superseded.Load(),
		Failed:     d.failed.Load(),
	}
}
