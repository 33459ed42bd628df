// Package health gathers the rover's telemetry: host statistics read
// from procfs/sysfs plus the drive state.
package health

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// DefaultInterval is the publishing period of Run.
const DefaultInterval = 2 * time.Second

// Report is one health sample. Host values are zero when unreadable.
type Report struct {
	Timestamp      time.Time       `json:"timestamp"`
	CPUTemperature float64         `json:"cpu_temperature"` // °C
	Load1          float64         `json:"load_1m"`
	MemAvailableMB float64         `json:"mem_available_mb"`
	MemTotalMB     float64         `json:"mem_total_mb"`
	MotorsEnabled  bool            `json:"motors_enabled"`
	Actuator       string          `json:"actuator"`
	Simulated      bool            `json:"simulated"`
	Drive          motion.Snapshot `json:"drive"`
	Control        *control.Stats  `json:"control,omitempty"`
}

// DriveSource exposes the drive snapshot. *motion.Controller satisfies it.
type DriveSource interface {
	Snapshot() motion.Snapshot
}

// Options configures a Monitor. Empty paths use /proc and /sys.
type Options struct {
	ProcPath  string
	SysPath   string
	Actuator  string
	Simulated bool
	Stats     func() control.Stats
}

// Monitor builds Reports on demand.
type Monitor struct {
	drive DriveSource
	opts  Options

	proc    procfs.FS
	procErr error
	sys     sysfs.FS
	sysErr  error

	now func() time.Time
}

// NewMonitor opens the proc and sys filesystems. A missing filesystem is
// logged once and its values are reported as zero.
func NewMonitor(drive DriveSource, opts Options) *Monitor {
	m := &Monitor{drive: drive, opts: opts, now: time.Now}

	if opts.ProcPath == "" {
		m.proc, m.procErr = procfs.NewDefaultFS()
	} else {
		m.proc, m.procErr = procfs.NewFS(opts.ProcPath)
	}
	if m.procErr != nil {
		debug.Warn("procfs unavailable, host load and memory will read 0: %v", m.procErr)
	}

	if opts.SysPath == "" {
		m.sys, m.sysErr = sysfs.NewDefaultFS()
	} else {
		m.sys, m.sysErr = sysfs.NewFS(opts.SysPath)
	}
	if m.sysErr != nil {
		debug.Warn("sysfs unavailable, CPU temperature will read 0: %v", m.sysErr)
	}
	return m
}

// Report collects a sample.
func (m *Monitor) Report() Report {
	r := Report{
		Timestamp: m.now(),
		Actuator:  m.opts.Actuator,
		Simulated: m.opts.Simulated,
	}
	if m.drive != nil {
		r.Drive = m.drive.Snapshot()
		r.MotorsEnabled = r.Drive.Left.State == motion.Running || r.Drive.Right.State == motion.Running
	}
	if m.opts.Stats != nil {
		s := m.opts.Stats()
		r.Control = &s
	}

	r.CPUTemperature = m.cpuTemperature()
	if m.procErr == nil {
		if la, err := m.proc.LoadAvg(); err == nil {
			r.Load1 = la.Load1
		} else {
			debug.Trace("loadavg: %v", err)
		}
		if mi, err := m.proc.Meminfo(); err == nil {
			if mi.MemAvailable != nil {
				r.MemAvailableMB = kbToMB(*mi.MemAvailable)
			}
			if mi.MemTotal != nil {
				r.MemTotalMB = kbToMB(*mi.MemTotal)
			}
		} else {
			debug.Trace("meminfo: %v", err)
		}
	}
	return r
}

// cpuTemperature reads thermal zone 0, the SoC sensor on a Raspberry Pi.
func (m *Monitor) cpuTemperature() float64 {
	if m.sysErr != nil {
		return 0
	}
	zones, err := m.sys.ClassThermalZoneStats()
	if err != nil {
		debug.Trace("thermal zones: %v", err)
		return 0
	}
	for _, z := range zones {
		if z.Name == "0" {
			return round1(float64(z.Temp) / 1000)
		}
	}
	return 0
}

// Run publishes a report every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, publish func(Report)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish(m.Report())
		}
	}
}

func kbToMB(kb uint64) float64 {
	return round1(float64(kb) / 1024)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
