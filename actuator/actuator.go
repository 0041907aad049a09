// Package actuator drives a PWM light output from an ambient light sensor.
package actuator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for a Loop.
const (
	DefaultMax       = 1023 // 10-bit duty and sensor range
	DefaultThreshold = 512
	DefaultTick      = 200 * time.Millisecond
	DefaultReport    = 10 * time.Second
)

// Sensor returns a raw light reading in [0, Max].
type Sensor interface {
	Read() uint16
}

// Output applies a duty cycle in [0, Max].
type Output interface {
	Set(duty uint32)
}

// SensorFunc adapts a function to Sensor.
type SensorFunc func() uint16

func (f SensorFunc) Read() uint16 { return f() }

// OutputFunc adapts a function to Output.
type OutputFunc func(uint32)

func (f OutputFunc) Set(duty uint32) { f(duty) }

// Mode selects how a reading maps to a duty cycle.
type Mode uint8

const (
	// Dim drives the output inversely to the light level.
	Dim Mode = iota
	// Threshold switches fully on below the threshold and off at or above it.
	Threshold
	// Manual holds a fixed duty set with SetManual.
	Manual
)

func (m Mode) String() string {
	switch m {
	case Dim:
		return "dim"
	case Threshold:
		return "threshold"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseMode parses a Mode name.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "dim":
		return Dim, true
	case "threshold":
		return Threshold, true
	case "manual":
		return Manual, true
	}
	return Dim, false
}

// Config tunes a Loop. Zero fields take defaults.
type Config struct {
	Mode      Mode
	Max       uint32
	Threshold uint16
	Tick      time.Duration // control interval
	Report    time.Duration // log interval
}

// Reading is the result of one control step.
type Reading struct {
	Raw  uint16
	Duty uint32
	Mode Mode
	At   time.Time
}

// Loop is the closed sensor to output control task. It shares no state
// with the update controller.
type Loop struct {
	sensor Sensor
	out    Output
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	mode   Mode
	manual uint32
	paused bool
	last   Reading
	steps  uint64
}

// New returns a Loop. logger may be nil.
func New(s Sensor, o Output, cfg Config, logger *slog.Logger) *Loop {
	if cfg.Max == 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Report <= 0 {
		cfg.Report = DefaultReport
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{sensor: s, out: o, cfg: cfg, logger: logger, mode: cfg.Mode}
}

// Duty maps a raw reading to a duty cycle for mode.
func Duty(mode Mode, raw uint16, max uint32, threshold uint16) uint32 {
	switch mode {
	case Threshold:
		if raw < threshold {
			return max
		}
		return 0
	default:
		if uint32(raw) >= max {
			return 0
		}
		return max - uint32(raw)
	}
}

// Step reads the sensor once and updates the output.
func (l *Loop) Step() Reading {
	raw := l.sensor.Read()
	l.mu.Lock()
	r := Reading{Raw: raw, Mode: l.mode, At: time.Now()}
	if l.paused {
		r.Duty = l.last.Duty
		l.mu.Unlock()
		return r
	}
	if l.mode == Manual {
		r.Duty = l.manual
	} else {
		r.Duty = Duty(l.mode, raw, l.cfg.Max, l.cfg.Threshold)
	}
	l.last = r
	l.steps++
	l.mu.Unlock()
	l.out.Set(r.Duty)
	return r
}

// Run steps every Tick and logs the latest reading every Report until ctx
// is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	tick := time.NewTicker(l.cfg.Tick)
	defer tick.Stop()
	report := time.NewTicker(l.cfg.Report)
	defer report.Stop()

	l.Step()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			l.Step()
		case <-report.C:
			r := l.Last()
			l.logger.Info("actuator:report",
				slog.Uint64("light", uint64(r.Raw)),
				slog.Uint64("duty", uint64(r.Duty)),
				slog.String("mode", r.Mode.String()),
			)
		}
	}
}

// Last returns the most recent applied reading.
func (l *Loop) Last() Reading {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Steps returns how many readings have been applied.
func (l *Loop) Steps() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.steps
}

// Mode returns the active mode.
func (l *Loop) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// SetMode switches the mapping used by subsequent steps.
func (l *Loop) SetMode(m Mode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
	l.logger.Info("actuator:mode", slog.String("mode", m.String()))
}

// SetManual holds the output at duty (clamped to Max) and switches to
// Manual mode.
func (l *Loop) SetManual(duty uint32) {
	l.mu.Lock()
	l.manual = min(duty, l.cfg.Max)
	l.mode = Manual
	l.mu.Unlock()
}

// SetPaused freezes the output at its last duty.
func (l *Loop) SetPaused(p bool) {
	l.mu.Lock()
	l.paused = p
	l.mu.Unlock()
}

// Max returns the full-scale duty.
func (l *Loop) Max() uint32 { return l.cfg.Max }
