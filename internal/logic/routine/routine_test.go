package routine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// recordingControl records submitted commands and the hold that followed.
type recordingControl struct {
	mu      sync.Mutex
	cmds    []motion.Command
	failOn  motion.Command
	failErr error
}

func (r *recordingControl) Submit(ctx context.Context, ev control.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Source != Source {
		return errors.New("unexpected source " + ev.Source)
	}
	if r.failErr != nil && ev.Command == r.failOn {
		return r.failErr
	}
	r.cmds = append(r.cmds, ev.Command)
	return nil
}

func newTestSequence(ctl Submitter, holds *[]time.Duration) *Sequence {
	s := NewSequence(ctl)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		*holds = append(*holds, d)
		return ctx.Err()
	}
	return s
}

func TestRun_SelfTest(t *testing.T) {
	ctl := &recordingControl{}
	var holds []time.Duration
	seq := newTestSequence(ctl, &holds)

	if err := seq.Run(context.Background(), SelfTest(2*time.Second, 500*time.Millisecond)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []motion.Command{
		motion.Forward, motion.Stop, motion.Backward, motion.Stop,
		motion.TurnLeft, motion.Stop, motion.TurnRight, motion.Stop,
	}
	if len(ctl.cmds) != len(want) {
		t.Fatalf("commands = %v, want %v", ctl.cmds, want)
	}
	for i := range want {
		if ctl.cmds[i] != want[i] {
			t.Errorf("command %d = %s, want %s", i, ctl.cmds[i], want[i])
		}
	}
	if len(holds) != 7 || holds[0] != 2*time.Second || holds[1] != 500*time.Millisecond {
		t.Errorf("holds = %v", holds)
	}
}

func TestRun_CancelledStillStops(t *testing.T) {
	ctl := &recordingControl{}
	seq := NewSequence(ctl)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx, []Step{{motion.Forward, time.Hour}}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if n := len(ctl.cmds); n != 2 || ctl.cmds[n-1] != motion.Stop {
		t.Errorf("commands = %v, want forward then stop", ctl.cmds)
	}
}

func TestRun_SubmitErrorAborts(t *testing.T) {
	ctl := &recordingControl{failOn: motion.Backward, failErr: control.ErrQueueFull}
	var holds []time.Duration
	err := newTestSequence(ctl, &holds).Run(context.Background(), SelfTest(time.Second, 0))

	if !errors.Is(err, control.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	want := []motion.Command{motion.Forward, motion.Stop, motion.Stop}
	if len(ctl.cmds) != len(want) {
		t.Fatalf("commands = %v, want %v", ctl.cmds, want)
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), 0); err != nil {
		t.Errorf("zero sleep: %v", err)
	}
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Errorf("short sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled sleep = %v", err)
	}
}
