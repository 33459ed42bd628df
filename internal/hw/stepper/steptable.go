package stepper

import "fmt"

// Pattern is the on/off state of the four coil lines for one step.
type Pattern [4]bool

// Off deasserts every coil.
var Off = Pattern{}

// StepTable is an immutable, ordered coil sequence.
type StepTable struct {
	name     string
	patterns []Pattern
}

// Table variants.
const (
	HalfStep = "half"
	FullStep = "full"
)

// halfStep alternates single and overlapping coil pairs (8 entries).
var halfStep = []Pattern{
	{true, false, false, false},
	{true, true, false, false},
	{false, true, false, false},
	{false, true, true, false},
	{false, false, true, false},
	{false, false, true, true},
	{false, false, false, true},
	{true, false, false, true},
}

// fullStep energizes two adjacent coils per step (4 entries).
var fullStep = []Pattern{
	{true, true, false, false},
	{false, true, true, false},
	{false, false, true, true},
	{true, false, false, true},
}

// TableByName returns the named step table variant.
func TableByName(name string) (StepTable, error) {
	switch name {
	case HalfStep, "":
		return StepTable{name: HalfStep, patterns: halfStep}, nil
	case FullStep:
		return StepTable{name: FullStep, patterns: fullStep}, nil
	default:
		return StepTable{}, fmt.Errorf("unknown step table %q (want %q or %q)", name, HalfStep, FullStep)
	}
}

// Name returns the variant name.
func (t StepTable) Name() string { return t.name }

// Len returns the number of patterns N.
func (t StepTable) Len() int { return len(t.patterns) }

// Pattern returns the entry at index i, which must be in [0, N).
func (t StepTable) Pattern(i int) Pattern { return t.patterns[i] }

// Next moves one entry from index in the given direction and returns the
// new index with its pattern. Any positive direction counts as +1, any
// negative one as -1; zero keeps the index.
func (t StepTable) Next(index, direction int) (int, Pattern) {
	n := len(t.patterns)
	switch {
	case direction > 0:
		direction = 1
	case direction < 0:
		direction = -1
	}
	next := ((index+direction)%n + n) % n
	return next, t.patterns[next]
}
