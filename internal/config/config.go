package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROVER_"

// ErrInvalidPath is returned by ValidateConfigPath.
var ErrInvalidPath = errors.New("invalid config path")

// Actuator backends.
const (
	ActuatorRPIO    = "rpio"
	ActuatorPCA9685 = "pca9685"
	ActuatorMock    = "mock"
)

// MotorConfig describes one 4-coil unipolar stepper (28BYJ-48 on a
// ULN2003 board).
type MotorConfig struct {
	Pins     []int `yaml:"pins"`     // IN1..IN4: BCM GPIO numbers, or PCA9685 channels
	Inverted bool  `yaml:"inverted"` // mirrored mount: positive speed steps the other way
}

// DriveConfig tunes stepping and input normalization.
type DriveConfig struct {
	Deadzone        float64 `yaml:"deadzone"`         // |speed| and stick deadzone, [0, 1)
	BaseDelayUs     int     `yaml:"base_delay_us"`    // step period at full speed before the floor
	MinDelayUs      int     `yaml:"min_delay_us"`     // floor of the step period
	StepTable       string  `yaml:"step_table"`       // "half" (8 patterns) or "full" (4)
	MotionThreshold float64 `yaml:"motion_threshold"` // below this on both sides a frame is ignored
	NudgeSpeed      float64 `yaml:"nudge_speed"`      // d-pad speed
	ArcadeTrigger   float64 `yaml:"arcade_trigger"`   // leftTrigger above this selects arcade mode
	ControlWindowMs int     `yaml:"control_window_ms"`
	QueueSize       int     `yaml:"queue_size"`
}

// ActuatorConfig selects how coil lines are driven.
type ActuatorConfig struct {
	Type         string  `yaml:"type"`          // rpio, pca9685 or mock
	I2CDevice    string  `yaml:"i2c_device"`    // pca9685 only
	I2CAddress   int     `yaml:"i2c_address"`   // pca9685 only, e.g. 0x40
	PWMFrequency float64 `yaml:"pwm_frequency"` // pca9685 only
}

// WebConfig configures the control server.
type WebConfig struct {
	Port             int   `yaml:"port"` // 0 = disabled unless -web is given
	StopOnDisconnect *bool `yaml:"stop_on_disconnect,omitempty"`
	HealthIntervalMs int   `yaml:"health_interval_ms"`
	SocketIO         bool  `yaml:"socketio"` // also serve /socket.io/
}

// DefaultsConfig contains process-wide settings.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // force the mock actuator (dev/test)
}

// Config aggregates all application configuration.
type Config struct {
	LeftMotor  MotorConfig    `yaml:"left_motor"`
	RightMotor MotorConfig    `yaml:"right_motor"`
	Drive      DriveConfig    `yaml:"drive"`
	Actuator   ActuatorConfig `yaml:"actuator"`
	Web        WebConfig      `yaml:"web"`
	Defaults   DefaultsConfig `yaml:"defaults"`
}

// envOverrides are read from ROVER_* variables after the file.
// Unset variables leave the file value alone.
type envOverrides struct {
	MockGPIO   *bool    `env:"MOCK_GPIO"`
	DebugLevel *int     `env:"DEBUG_LEVEL"`
	WebPort    *int     `env:"WEB_PORT"`
	Actuator   *string  `env:"ACTUATOR"`
	Deadzone   *float64 `env:"DEADZONE"`
}

// ValidateConfigPath accepts only .yaml files located directly in a
// directory named "configs", with no ".." element.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q contains a parent reference", ErrInvalidPath, path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("%w: %q must have a .yaml extension", ErrInvalidPath, path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("%w: %q must be in a configs/ directory", ErrInvalidPath, path)
	}
	return nil
}

// Load reads a YAML file, applies ROVER_* environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// load is Load with an explicit environment; nil means the process env.
func load(path string, environ map[string]string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if fi.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fi.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	var ov envOverrides
	if err := env.ParseWithOptions(&ov, opts); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if ov.MockGPIO != nil {
		c.Defaults.MockGPIO = *ov.MockGPIO
	}
	if ov.DebugLevel != nil {
		c.Defaults.DebugLevel = *ov.DebugLevel
	}
	if ov.WebPort != nil {
		c.Web.Port = *ov.WebPort
	}
	if ov.Actuator != nil {
		c.Actuator.Type = *ov.Actuator
	}
	if ov.Deadzone != nil {
		c.Drive.Deadzone = *ov.Deadzone
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := &c.Drive
	if d.Deadzone == 0 {
		d.Deadzone = 0.1
	}
	if d.BaseDelayUs <= 0 {
		d.BaseDelayUs = 1000
	}
	if d.MinDelayUs <= 0 {
		d.MinDelayUs = 3000
	}
	if d.StepTable == "" {
		d.StepTable = "half"
	}
	if d.MotionThreshold <= 0 {
		d.MotionThreshold = 0.05
	}
	if d.NudgeSpeed <= 0 {
		d.NudgeSpeed = 0.5
	}
	if d.ArcadeTrigger <= 0 {
		d.ArcadeTrigger = 0.5
	}
	if d.QueueSize <= 0 {
		d.QueueSize = 64
	}

	if c.Actuator.Type == "" {
		c.Actuator.Type = ActuatorRPIO
	}
	if c.Actuator.Type == ActuatorPCA9685 {
		if c.Actuator.I2CDevice == "" {
			c.Actuator.I2CDevice = "/dev/i2c-1"
		}
		if c.Actuator.I2CAddress == 0 {
			c.Actuator.I2CAddress = 0x40
		}
		if c.Actuator.PWMFrequency <= 0 {
			c.Actuator.PWMFrequency = 1000
		}
	}

	if c.Web.StopOnDisconnect == nil {
		stop := true
		c.Web.StopOnDisconnect = &stop
	}
	if c.Web.HealthIntervalMs <= 0 {
		c.Web.HealthIntervalMs = 2000
	}
}

// Validate checks ranges and pin assignments.
func (c *Config) Validate() error {
	d := c.Drive
	if d.Deadzone < 0 || d.Deadzone >= 1 {
		return fmt.Errorf("drive.deadzone must be in [0, 1), got %.3f", d.Deadzone)
	}
	if d.StepTable != "half" && d.StepTable != "full" {
		return fmt.Errorf("drive.step_table must be \"half\" or \"full\", got %q", d.StepTable)
	}
	if d.MotionThreshold >= 1 {
		return fmt.Errorf("drive.motion_threshold must be < 1, got %.3f", d.MotionThreshold)
	}
	if d.NudgeSpeed > 1 {
		return fmt.Errorf("drive.nudge_speed must be <= 1, got %.3f", d.NudgeSpeed)
	}
	if d.ControlWindowMs < 0 || d.ControlWindowMs > 1000 {
		return fmt.Errorf("drive.control_window_ms must be between 0 and 1000, got %d", d.ControlWindowMs)
	}

	maxPin := 27
	switch c.Actuator.Type {
	case ActuatorRPIO, ActuatorMock:
	case ActuatorPCA9685:
		maxPin = 15
		if c.Actuator.I2CAddress < 0x03 || c.Actuator.I2CAddress > 0x77 {
			return fmt.Errorf("actuator.i2c_address 0x%02x out of range", c.Actuator.I2CAddress)
		}
	default:
		return fmt.Errorf("actuator.type must be rpio, pca9685 or mock, got %q", c.Actuator.Type)
	}

	seen := make(map[int]string)
	for _, m := range []struct {
		name string
		cfg  MotorConfig
	}{{"left_motor", c.LeftMotor}, {"right_motor", c.RightMotor}} {
		if len(m.cfg.Pins) != 4 {
			return fmt.Errorf("%s.pins must list 4 pins, got %d", m.name, len(m.cfg.Pins))
		}
		for _, p := range m.cfg.Pins {
			if p < 0 || p > maxPin {
				return fmt.Errorf("%s.pins: %d out of range 0-%d", m.name, p, maxPin)
			}
			if other, dup := seen[p]; dup {
				return fmt.Errorf("%s.pins: %d already used by %s", m.name, p, other)
			}
			seen[p] = m.name
		}
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be 0-4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ActuatorBackend returns the backend to open; mock_gpio forces the mock.
func (c *Config) ActuatorBackend() string {
	if c.Defaults.MockGPIO {
		return ActuatorMock
	}
	return c.Actuator.Type
}

// PinArray returns the motor's pins as the fixed-size array the stepper expects.
func (m MotorConfig) PinArray() [4]int {
	var a [4]int
	copy(a[:], m.Pins)
	return a
}

// BaseDelay returns the full-speed step period before the floor.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Drive.BaseDelayUs) * time.Microsecond
}

// MinDelay returns the floor of the step period.
func (c *Config) MinDelay() time.Duration {
	return time.Duration(c.Drive.MinDelayUs) * time.Microsecond
}

// ControlWindow returns the arbitration window of the dispatcher.
func (c *Config) ControlWindow() time.Duration {
	return time.Duration(c.Drive.ControlWindowMs) * time.Millisecond
}

// HealthInterval returns the telemetry publishing period.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Web.HealthIntervalMs) * time.Millisecond
}

// StopOnDisconnect reports whether a dropped control session stops the
// motors (default true).
func (c *Config) StopOnDisconnect() bool {
	return c.Web.StopOnDisconnect == nil || *c.Web.StopOnDisconnect
}
