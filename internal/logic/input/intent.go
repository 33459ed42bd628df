package input

import (
	"fmt"
	"math"

	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

const (
	DefaultDeadzone        = 0.1
	DefaultMotionThreshold = 0.05
	DefaultNudgeSpeed      = 0.5
	DefaultArcadeTrigger   = 0.5
)

// Config tunes frame normalization.
type Config struct {
	Deadzone        float64
	MotionThreshold float64 // both |speeds| below this: no new motion
	NudgeSpeed      float64 // d-pad speed magnitude
	ArcadeTrigger   float64 // leftTrigger above this selects arcade mode
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Deadzone:        DefaultDeadzone,
		MotionThreshold: DefaultMotionThreshold,
		NudgeSpeed:      DefaultNudgeSpeed,
		ArcadeTrigger:   DefaultArcadeTrigger,
	}
}

func (c Config) withDefaults() Config {
	if c.Deadzone < 0 || c.Deadzone >= 1 || math.IsNaN(c.Deadzone) {
		c.Deadzone = DefaultDeadzone
	}
	if c.MotionThreshold <= 0 || math.IsNaN(c.MotionThreshold) {
		c.MotionThreshold = DefaultMotionThreshold
	}
	if c.NudgeSpeed <= 0 || c.NudgeSpeed > 1 || math.IsNaN(c.NudgeSpeed) {
		c.NudgeSpeed = DefaultNudgeSpeed
	}
	if c.ArcadeTrigger <= 0 || math.IsNaN(c.ArcadeTrigger) {
		c.ArcadeTrigger = DefaultArcadeTrigger
	}
	return c
}

// Priority orders intents arriving in the same window. Higher wins.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityAnalog
	PriorityNudge
	PriorityCommand
	PriorityStop
)

func (p Priority) String() string {
	switch p {
	case PriorityAnalog:
		return "analog"
	case PriorityNudge:
		return "nudge"
	case PriorityCommand:
		return "command"
	case PriorityStop:
		return "stop"
	}
	return "none"
}

// Kind says how an intent is applied.
type Kind int

const (
	KindNone    Kind = iota // no new motion request
	KindCommand             // apply Command
	KindSpeeds              // apply Left/Right
)

// Intent is the normalized outcome of one input event.
type Intent struct {
	Kind     Kind
	Priority Priority
	Command  motion.Command
	Left     float64
	Right    float64
}

func (i Intent) String() string {
	switch i.Kind {
	case KindCommand:
		return fmt.Sprintf("%s(%s)", i.Priority, i.Command)
	case KindSpeeds:
		return fmt.Sprintf("%s(%+.2f, %+.2f)", i.Priority, i.Left, i.Right)
	}
	return "none"
}

// None is the intent of a frame that requests nothing.
var None = Intent{}

// CommandIntent wraps a discrete command. Stop gets the top priority.
func CommandIntent(cmd motion.Command) Intent {
	p := PriorityCommand
	if cmd == motion.Stop {
		p = PriorityStop
	}
	return Intent{Kind: KindCommand, Priority: p, Command: cmd}
}

// SpeedsIntent wraps a raw (left, right) pair with analog priority.
func SpeedsIntent(left, right float64) Intent {
	return Intent{Kind: KindSpeeds, Priority: PriorityAnalog, Left: left, Right: right}
}

// Normalize turns a frame into an intent. Inside one frame the emergency
// button beats the command buttons, which beat the d-pad, which beats the
// sticks.
func Normalize(f JoystickFrame, cfg Config) Intent {
	cfg = cfg.withDefaults()
	f = f.Sanitize()

	switch {
	case f.Buttons.A:
		return CommandIntent(motion.Stop)
	case f.Buttons.B:
		return CommandIntent(motion.Forward)
	case f.Buttons.X:
		return CommandIntent(motion.Backward)
	}

	n := cfg.NudgeSpeed
	nudge := func(l, r float64) Intent {
		return Intent{Kind: KindSpeeds, Priority: PriorityNudge, Left: l, Right: r}
	}
	switch {
	case f.DPad.Up:
		return nudge(n, n)
	case f.DPad.Down:
		return nudge(-n, -n)
	case f.DPad.Left:
		return nudge(-n, n)
	case f.DPad.Right:
		return nudge(n, -n)
	}

	var l, r float64
	if f.ArcadeMode(cfg.ArcadeTrigger) {
		l, r = Arcade(f, cfg.Deadzone)
	} else {
		l, r = Tank(f, cfg.Deadzone)
	}
	if math.Abs(l) < cfg.MotionThreshold && math.Abs(r) < cfg.MotionThreshold {
		return None
	}
	return SpeedsIntent(l, r)
}

// Resolve picks the intent to apply out of one processing window: the
// highest priority wins, ties go to the most recent.
func Resolve(intents ...Intent) Intent {
	best := None
	for _, in := range intents {
		if in.Priority >= best.Priority {
			best = in
		}
	}
	return best
}
