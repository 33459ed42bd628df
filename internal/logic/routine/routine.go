// Package routine runs timed drive sequences through the control
// dispatcher, such as the bench self-test that spins both motors each way.
package routine

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// Source tags events issued by a routine.
const Source = "routine"

// Submitter accepts control events. *control.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev control.Event) error
}

// Step holds one command for a duration.
type Step struct {
	Command motion.Command
	Hold    time.Duration
}

// SelfTest drives forward, backward, then spins each way, pausing between
// moves.
func SelfTest(hold, pause time.Duration) []Step {
	return []Step{
		{motion.Forward, hold},
		{motion.Stop, pause},
		{motion.Backward, hold},
		{motion.Stop, pause},
		{motion.TurnLeft, hold},
		{motion.Stop, pause},
		{motion.TurnRight, hold},
	}
}

// Sequence replays steps on the dispatcher.
type Sequence struct {
	ctl   Submitter
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSequence(ctl Submitter) *Sequence {
	return &Sequence{ctl: ctl, sleep: sleepCtx}
}

// Run submits each step and holds it. Any input from another source
// during a hold wins as usual; the routine does not reassert itself.
// Stop is always submitted last, also when ctx is cancelled.
func (s *Sequence) Run(ctx context.Context, steps []Step) (err error) {
	debug.Section("Routine")
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if serr := s.ctl.Submit(stopCtx, control.CommandEvent(Source, motion.Stop)); serr != nil && err == nil {
			err = fmt.Errorf("final stop: %w", serr)
		}
	}()

	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		debug.Live("Routine step %d/%d: %s for %v", i+1, len(steps), st.Command, st.Hold)
		if err := s.ctl.Submit(ctx, control.CommandEvent(Source, st.Command)); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Command, err)
		}
		if err := s.sleep(ctx, st.Hold); err != nil {
			return err
		}
	}
	debug.Live("Routine complete")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
