package stepper

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/hw/gpio"
)

// Config holds the hardware configuration for a 4-coil unipolar stepper
// (28BYJ-48 on a ULN2003 board).
type Config struct {
	Name string
	Pins [4]int // IN1..IN4, BCM numbering (or PCA9685 channels)
}

// Motor is the only thing that touches the coil outputs of one motor.
// It holds no stepping state: the step index lives with the channel
// that sequences it.
type Motor struct {
	gpio gpio.Driver
	cfg  Config
}

// NewMotor configures the four coil pins as outputs and deasserts them.
func NewMotor(g gpio.Driver, cfg Config) (*Motor, error) {
	for _, pin := range cfg.Pins {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("stepper %s: setup pin %d: %w", cfg.Name, pin, err)
		}
	}

	m := &Motor{gpio: g, cfg: cfg}
	if err := m.Release(); err != nil {
		return nil, err
	}
	debug.Verbose("Stepper %s ready on pins %v", cfg.Name, cfg.Pins)
	return m, nil
}

// Name returns the motor's configured name.
func (m *Motor) Name() string { return m.cfg.Name }

// Pins returns the coil pins in IN1..IN4 order.
func (m *Motor) Pins() [4]int { return m.cfg.Pins }

// Write applies one coil pattern, pin by pin in IN1..IN4 order.
func (m *Motor) Write(p Pattern) error {
	for i, pin := range m.cfg.Pins {
		if err := m.gpio.WritePin(pin, gpio.Level(p[i])); err != nil {
			return fmt.Errorf("stepper %s: write pin %d: %w", m.cfg.Name, pin, err)
		}
	}
	return nil
}

// Release deasserts all four coils. Every pin is attempted even if an
// earlier one fails, so a motor is never left half energized.
func (m *Motor) Release() error {
	var errs []error
	for _, pin := range m.cfg.Pins {
		if err := m.gpio.WritePin(pin, gpio.Low); err != nil {
			errs = append(errs, fmt.Errorf("stepper %s: release pin %d: %w", m.cfg.Name, pin, err))
		}
	}
	return errors.Join(errs...)
}
