package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/googolgl/go-i2c"
	"github.com/googolgl/go-pca9685"
)

const (
	DefaultI2CDevice  = "/dev/i2c-1"
	DefaultI2CAddress = 0x40

	pcaChannels = 16
	// Bit 12 of the ON/OFF registers forces a channel fully on or off.
	pcaFullScale = 4096
)

// PCA9685Driver drives coil lines through a PCA9685 16-channel PWM expander
// on I2C. Each "pin" is a channel number (0-15) switched fully on or off,
// which is how ULN2003-style stepper boards are fed from the expander.
type PCA9685Driver struct {
	mu     sync.Mutex
	bus    *i2c.Options
	pca    *pca9685.PCA9685
	levels map[int]Level
}

// NewPCA9685Driver opens the I2C bus and initializes the expander.
func NewPCA9685Driver(device string, address uint8, freq float32) (*PCA9685Driver, error) {
	if device == "" {
		device = DefaultI2CDevice
	}
	if address == 0 {
		address = DefaultI2CAddress
	}
	debug.Info("Initializing PCA9685 driver on %s addr=0x%02x", device, address)

	bus, err := i2c.New(address, device)
	if err != nil {
		return nil, fmt.Errorf("error starting i2c with address - %w", err)
	}
	pca, err := pca9685.New(bus, nil)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("error getting pca9685 driver - %w", err)
	}
	if freq > 0 {
		debug.Verbose("PCA9685 frequency requested: %.0f Hz (on/off channels ignore it)", freq)
	}

	return &PCA9685Driver{
		bus:    bus,
		pca:    pca,
		levels: make(map[int]Level),
	}, nil
}

func (p *PCA9685Driver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if pin < 0 || pin >= pcaChannels {
		return fmt.Errorf("pca9685 channel out of range: %d", pin)
	}
	if mode != Output {
		return fmt.Errorf("pca9685 channel %d: only output mode is supported", pin)
	}
	return nil
}

func (p *PCA9685Driver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	if pin < 0 || pin >= pcaChannels {
		return fmt.Errorf("pca9685 channel out of range: %d", pin)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	on, off := 0, pcaFullScale
	if level == High {
		on, off = pcaFullScale, 0
	}
	if err := p.pca.SetChannel(pin, on, off); err != nil {
		return fmt.Errorf("pca9685 channel %d: %w", pin, err)
	}
	p.levels[pin] = level
	return nil
}

// ReadPin returns the last level written; the expander has no inputs.
func (p *PCA9685Driver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levels[pin], nil
}

func (p *PCA9685Driver) Close() error {
	debug.Trace("GPIO Close (pca9685)")

	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for pin := range p.levels {
		if err := p.pca.SetChannel(pin, 0, pcaFullScale); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
