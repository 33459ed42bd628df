package input

import (
	"math"

	"github.com/cjeanneret/RoverGo/internal/mathx"
)

// Buttons are the face buttons of the gamepad.
type Buttons struct {
	A bool `json:"A"`
	B bool `json:"B"`
	X bool `json:"X"`
	Y bool `json:"Y"`
}

// DPad is the directional pad.
type DPad struct {
	Up    bool `json:"up"`
	Down  bool `json:"down"`
	Left  bool `json:"left"`
	Right bool `json:"right"`
}

// JoystickFrame is one gamepad sample as sent by the browser UI.
// Fields missing from the payload decode to zero/false.
type JoystickFrame struct {
	LeftX       float64 `json:"leftX"`
	LeftY       float64 `json:"leftY"`
	RightX      float64 `json:"rightX"`
	RightY      float64 `json:"rightY"`
	LeftTrigger float64 `json:"leftTrigger"`
	Buttons     Buttons `json:"buttons"`
	DPad        DPad    `json:"dpad"`
}

// Sanitize clamps every axis to [-1, 1]. NaN and infinities become 0.
func (f JoystickFrame) Sanitize() JoystickFrame {
	f.LeftX = axis(f.LeftX)
	f.LeftY = axis(f.LeftY)
	f.RightX = axis(f.RightX)
	f.RightY = axis(f.RightY)
	f.LeftTrigger = axis(f.LeftTrigger)
	return f
}

func axis(v float64) float64 {
	if math.IsInf(v, 0) {
		return 0
	}
	return mathx.Unit(v)
}

// ArcadeMode reports whether the frame selects arcade drive.
func (f JoystickFrame) ArcadeMode(trigger float64) bool {
	return f.LeftTrigger > trigger
}

// ApplyDeadzone maps |v| < dz to 0 and rescales the remaining range so a
// full deflection still yields ±1.
func ApplyDeadzone(v, dz float64) float64 {
	v = axis(v)
	dz = mathx.Clamp(dz, 0, math.Nextafter(1, 0))
	if math.IsNaN(dz) {
		dz = 0
	}
	mag := math.Abs(v)
	if mag < dz {
		return 0
	}
	out := (mag - dz) / (1 - dz)
	if v < 0 {
		out = -out
	}
	return mathx.Unit(out)
}

// Tank drives each side from its own stick's Y axis.
func Tank(f JoystickFrame, dz float64) (left, right float64) {
	return ApplyDeadzone(f.LeftY, dz), ApplyDeadzone(f.RightY, dz)
}

// Arcade mixes the left stick: Y is forward, X is turn. When either side
// exceeds full power both are divided by the larger magnitude, which keeps
// the forward/turn ratio.
func Arcade(f JoystickFrame, dz float64) (left, right float64) {
	forward := ApplyDeadzone(f.LeftY, dz)
	turn := ApplyDeadzone(f.LeftX, dz)
	return Mix(forward, turn)
}

// Mix combines forward and turn into per-side powers capped at 1.
func Mix(forward, turn float64) (left, right float64) {
	left, right = forward+turn, forward-turn
	if m := math.Max(math.Abs(left), math.Abs(right)); m > 1 {
		left /= m
		right /= m
	}
	return left, right
}
