package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/RoverGo/internal/config"
	"github.com/cjeanneret/RoverGo/internal/console"
	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/health"
	"github.com/cjeanneret/RoverGo/internal/hw/gpio"
	"github.com/cjeanneret/RoverGo/internal/hw/stepper"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/input"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
	"github.com/cjeanneret/RoverGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	withConsole := flag.Bool("console", false, "start the interactive operator console")
	flag.Parse()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("config path: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if err := run(ctx, cfg, webAddr(webPort.port(), cfg.Web.Port), *withConsole); err != nil {
		log.Fatalf("rover: %v", err)
	}
}

// run wires hardware, control and the enabled control surfaces, and blocks
// until ctx is cancelled or the console is closed. Motors are halted and
// the GPIO driver closed before it returns.
func run(ctx context.Context, cfg *config.Config, addr string, withConsole bool) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	debug.Step(1, "Initializing actuator")
	backend := cfg.ActuatorBackend()
	debug.Value("Actuator", backend)
	gpioDriver, simulated, err := gpio.Open(gpio.Options{
		Backend:      backend,
		I2CDevice:    cfg.Actuator.I2CDevice,
		I2CAddress:   uint8(cfg.Actuator.I2CAddress),
		PWMFrequency: float32(cfg.Actuator.PWMFrequency),
	})
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if cerr := gpioDriver.Close(); cerr != nil {
			log.Printf("closing GPIO driver failed: %v", cerr)
		}
	}()

	debug.Step(2, "Initializing stepper motors")
	drive, err := newDrive(gpioDriver, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if herr := drive.Halt(); herr != nil {
			err = errors.Join(err, fmt.Errorf("final halt: %w", herr))
		}
	}()

	debug.Step(3, "Starting control dispatcher")
	disp := control.New(drive, control.Options{
		QueueSize: cfg.Drive.QueueSize,
		Window:    cfg.ControlWindow(),
		Input:     inputConfig(cfg),
	})
	monitor := health.NewMonitor(drive, health.Options{
		Actuator:  backend,
		Simulated: simulated,
		Stats:     disp.Stats,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })

	publish := func(rep health.Report) {
		debug.Verbose("health: cpu %.1f°C load %.2f mem %.0f MB free", rep.CPUTemperature, rep.Load1, rep.MemAvailableMB)
	}
	if addr != "" {
		debug.Step(4, "Starting web server")
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		defer debug.SetOutput(os.Stdout)

		srv := web.NewServer(addr, web.Deps{
			Broadcaster:      broadcaster,
			Control:          disp,
			Drive:            drive,
			Health:           monitor,
			UI:               uiConfig(cfg, backend),
			StopOnDisconnect: cfg.StopOnDisconnect(),
			SocketIO:         cfg.Web.SocketIO,
		})
		publish = srv.PublishHealth
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		monitor.Run(gctx, cfg.HealthInterval(), publish)
		return nil
	})

	if withConsole {
		c := console.New(disp, drive, monitor, disp.Stats)
		g.Go(func() error {
			defer cancel()
			return c.Run(gctx)
		})
	}
	if addr == "" && !withConsole {
		debug.Warn("No control surface enabled; start with -web or -console")
	}

	mode := backend
	if simulated {
		mode += ", simulated"
	}
	debug.Summary("Rover ready (" + mode + ")")
	return g.Wait()
}

// newDrive builds both motor channels from config.
func newDrive(g gpio.Driver, cfg *config.Config) (*motion.Controller, error) {
	table, err := stepper.TableByName(cfg.Drive.StepTable)
	if err != nil {
		return nil, err
	}
	debug.Value("Step table", table.Name())

	channel := func(name string, mc config.MotorConfig) (*motion.Channel, error) {
		m, err := stepper.NewMotor(g, stepper.Config{Name: name, Pins: mc.PinArray()})
		if err != nil {
			return nil, err
		}
		debug.PrintStruct(name+" motor config", mc)
		return motion.NewChannel(name, m, table, motion.ChannelConfig{
			Deadzone:  cfg.Drive.Deadzone,
			BaseDelay: cfg.BaseDelay(),
			MinDelay:  cfg.MinDelay(),
			Inverted:  mc.Inverted,
		}), nil
	}

	left, err := channel("left", cfg.LeftMotor)
	if err != nil {
		return nil, err
	}
	right, err := channel("right", cfg.RightMotor)
	if err != nil {
		return nil, err
	}
	return motion.NewController(left, right), nil
}

func inputConfig(cfg *config.Config) input.Config {
	return input.Config{
		Deadzone:        cfg.Drive.Deadzone,
		MotionThreshold: cfg.Drive.MotionThreshold,
		NudgeSpeed:      cfg.Drive.NudgeSpeed,
		ArcadeTrigger:   cfg.Drive.ArcadeTrigger,
	}
}

func uiConfig(cfg *config.Config, backend string) web.UIConfig {
	return web.UIConfig{
		Deadzone:      cfg.Drive.Deadzone,
		NudgeSpeed:    cfg.Drive.NudgeSpeed,
		ArcadeTrigger: cfg.Drive.ArcadeTrigger,
		StepTable:     cfg.Drive.StepTable,
		Actuator:      backend,
		LeftPins:      cfg.LeftMotor.PinArray(),
		RightPins:     cfg.RightMotor.PinArray(),
		SocketIO:      cfg.Web.SocketIO,
	}
}

// webAddr picks the listen address: the -web flag wins over web.port,
// and 0 in both disables the server.
func webAddr(flagPort, cfgPort int) string {
	port := flagPort
	if port == 0 {
		port = cfgPort
	}
	if port <= 0 {
		return ""
	}
	return fmt.Sprintf(":%d", port)
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
