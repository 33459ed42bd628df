// Package console is the operator shell started with -console. It drives
// the rover through the same dispatcher as the network clients.
package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/health"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
	"github.com/cjeanneret/RoverGo/internal/logic/routine"
)

const (
	submitTimeout = time.Second

	selfTestHold  = 2 * time.Second
	selfTestPause = 500 * time.Millisecond
)

// Submitter accepts control events. *control.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev control.Event) error
}

// DriveState exposes the drive snapshot. *motion.Controller satisfies it.
type DriveState interface {
	Snapshot() motion.Snapshot
}

// HealthSource produces health reports. *health.Monitor satisfies it.
type HealthSource interface {
	Report() health.Report
}

// Console binds shell commands to the control path.
type Console struct {
	ctl    Submitter
	drive  DriveState
	health HealthSource
	stats  func() control.Stats

	mu          sync.Mutex
	stopRoutine context.CancelFunc
	routineDone chan struct{}
	runRoutine  func(ctx context.Context, steps []routine.Step) error
}

// New creates a console. drive, health and stats may be nil; the matching
// commands then report that they are unavailable.
func New(ctl Submitter, drive DriveState, hs HealthSource, stats func() control.Stats) *Console {
	return &Console{
		ctl:        ctl,
		drive:      drive,
		health:     hs,
		stats:      stats,
		runRoutine: routine.NewSequence(ctl).Run,
	}
}

// Run serves the interactive shell until the operator exits or ctx is
// cancelled. The rover is stopped when the shell ends.
func (c *Console) Run(ctx context.Context) error {
	sh := ishell.New()
	sh.SetPrompt("rover> ")
	sh.Println("RoverGo operator console. Type 'help' for commands.")
	// Ctrl-C ends the shell instead of the process; main owns shutdown.
	sh.Interrupt(func(ic *ishell.Context, count int, input string) { ic.Stop() })
	for _, cmd := range c.Commands() {
		sh.AddCmd(cmd)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sh.Close()
		case <-done:
		}
	}()
	sh.Run()
	close(done)
	c.cancelRoutine()

	if ctx.Err() == nil {
		debug.Info("console closed by operator")
		if _, err := c.Exec(context.Background(), "stop", nil); err != nil {
			return fmt.Errorf("stop on console exit: %w", err)
		}
	}
	return nil
}

// Commands returns the shell commands, one per Exec name.
func (c *Console) Commands() []*ishell.Cmd {
	help := []struct{ name, help string }{
		{"forward", "drive forward at full speed"},
		{"backward", "drive backward at full speed"},
		{"left", "spin left in place"},
		{"right", "spin right in place"},
		{"stop", "stop both motors"},
		{"speeds", "speeds <left> <right>: tank speeds in [-1, 1]"},
		{"state", "show both channels"},
		{"health", "show the host and drive health report"},
		{"stats", "show the control dispatcher counters"},
		{"selftest", "spin both motors each way; stop aborts it"},
	}
	cmds := make([]*ishell.Cmd, 0, len(help))
	for _, h := range help {
		name := h.name
		cmds = append(cmds, &ishell.Cmd{
			Name: name,
			Help: h.help,
			Func: func(ic *ishell.Context) {
				out, err := c.Exec(context.Background(), name, ic.Args)
				if err != nil {
					ic.Err(err)
					return
				}
				if out != "" {
					ic.Println(out)
				}
			},
		})
	}
	return cmds
}

// Exec runs one console command and returns its output.
func (c *Console) Exec(ctx context.Context, name string, args []string) (string, error) {
	switch name {
	case "state":
		if c.drive == nil {
			return "", errors.New("drive not available")
		}
		return formatSnapshot(c.drive.Snapshot()), nil

	case "health":
		if c.health == nil {
			return "", errors.New("health not available")
		}
		return formatReport(c.health.Report()), nil

	case "stats":
		if c.stats == nil {
			return "", errors.New("dispatcher stats not available")
		}
		s := c.stats()
		return fmt.Sprintf("received %d, applied %d, superseded %d, dropped %d, failed %d",
			s.Received, s.Applied, s.Superseded, s.Dropped, s.Failed), nil

	case "selftest":
		return c.startSelfTest()

	case "speeds":
		if len(args) != 2 {
			return "", errors.New("usage: speeds <left> <right>")
		}
		l, err := parseSpeed(args[0])
		if err != nil {
			return "", err
		}
		r, err := parseSpeed(args[1])
		if err != nil {
			return "", err
		}
		if err := c.submit(ctx, control.SpeedsEvent(control.SourceConsole, l, r)); err != nil {
			return "", err
		}
		return fmt.Sprintf("speeds %.2f %.2f accepted", l, r), nil
	}

	cmd, err := motion.ParseCommand(name)
	if err != nil {
		return "", err
	}
	if cmd == motion.Stop {
		c.cancelRoutine()
	}
	if err := c.submit(ctx, control.CommandEvent(control.SourceConsole, cmd)); err != nil {
		return "", err
	}
	return cmd.String() + " accepted", nil
}

func (c *Console) submit(ctx context.Context, ev control.Event) error {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	return c.ctl.Submit(ctx, ev)
}

// startSelfTest runs the self-test routine in the background so the shell
// stays usable to stop it.
func (c *Console) startSelfTest() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.routineDone != nil {
		select {
		case <-c.routineDone:
		default:
			return "", errors.New("a routine is already running")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.stopRoutine, c.routineDone = cancel, done
	go func() {
		defer close(done)
		defer cancel()
		err := c.runRoutine(ctx, routine.SelfTest(selfTestHold, selfTestPause))
		if err != nil && !errors.Is(err, context.Canceled) {
			debug.Error(fmt.Errorf("self-test: %w", err))
		}
	}()
	return "self-test started", nil
}

// cancelRoutine aborts a running routine and waits for its final stop.
func (c *Console) cancelRoutine() {
	c.mu.Lock()
	cancel, done := c.stopRoutine, c.routineDone
	c.stopRoutine, c.routineDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func parseSpeed(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid speed %q", s)
	}
	return v, nil
}

func formatSnapshot(s motion.Snapshot) string {
	var b strings.Builder
	for _, ch := range []motion.ChannelSnapshot{s.Left, s.Right} {
		fmt.Fprintf(&b, "%-5s %-7s %+.2f", ch.Name, ch.State, ch.TargetSpeed)
		if ch.StepDelayUs > 0 {
			fmt.Fprintf(&b, "  %dus/step", ch.StepDelayUs)
		}
		if ch.Fault != "" {
			fmt.Fprintf(&b, "  fault: %s", ch.Fault)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func formatReport(r health.Report) string {
	mode := r.Actuator
	if r.Simulated {
		mode += " (simulated)"
	}
	return fmt.Sprintf("cpu %.1f°C  load %.2f  mem %.0f/%.0f MB  actuator %s\n%s",
		r.CPUTemperature, r.Load1, r.MemAvailableMB, r.MemTotalMB, mode, formatSnapshot(r.Drive))
}
