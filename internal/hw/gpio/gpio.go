package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RoverGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Backend names accepted by Open.
const (
	BackendRPIO    = "rpio"
	BackendPCA9685 = "pca9685"
	BackendMock    = "mock"
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation,
// an I2C expander, or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend      string
	I2CDevice    string
	I2CAddress   uint8
	PWMFrequency float32
}

// MockDriver is a simulation backend: writes are accepted, remembered and
// traced, nothing reaches hardware.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
}

// NewMockDriver returns an empty simulation driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

// Open creates a GPIO driver for the requested backend. When the backend
// cannot reach hardware the rover keeps running in simulation mode: the
// error is logged and a MockDriver is returned along with simulated=true.
func Open(opts Options) (drv Driver, simulated bool, err error) {
	switch opts.Backend {
	case BackendMock, "":
		debug.Info("Using MOCK GPIO driver (simulation mode)")
		return NewMockDriver(), true, nil
	case BackendRPIO:
		drv, err = NewRPiRealDriver()
	case BackendPCA9685:
		drv, err = NewPCA9685Driver(opts.I2CDevice, opts.I2CAddress, opts.PWMFrequency)
	default:
		return nil, false, fmt.Errorf("unknown actuator backend: %q", opts.Backend)
	}
	if err != nil {
		debug.Warn("%s backend unavailable, falling back to simulation: %v", opts.Backend, err)
		return NewMockDriver(), true, nil
	}
	return drv, false, nil
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
