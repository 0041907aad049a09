package main

import "time"

// Functional watchdog thresholds
const (
	maxControlStall  = 30 * time.Second
	maxLinkDown      = time.Hour
	healthCheckEvery = 5 * time.Second
)

// health decides whether the hardware watchdog keeps being fed. Once
// unhealthy it stays unhealthy and the watchdog resets the board.
type health struct {
	steps        uint64
	lastProgress time.Time
	lastLinkUp   time.Time
	unhealthy    string // reason, empty while healthy
}

func newHealth(now time.Time) *health {
	return &health{lastProgress: now, lastLinkUp: now}
}

// ok reports whether the watchdog may be fed.
func (h *health) ok() bool { return h.unhealthy == "" }

// reason returns why the device was declared unhealthy.
func (h *health) reason() string { return h.unhealthy }

// observe records the actuator step count and telemetry link state at now
// and returns the verdict. The control loop must keep stepping; the
// telemetry link may be down for a while but not for maxLinkDown.
func (h *health) observe(now time.Time, steps uint64, linkUp bool) bool {
	if !h.ok() {
		return false
	}
	if steps != h.steps {
		h.steps = steps
		h.lastProgress = now
	} else if now.Sub(h.lastProgress) >= maxControlStall {
		h.unhealthy = "control loop stalled"
		return false
	}
	if linkUp {
		h.lastLinkUp = now
	} else if now.Sub(h.lastLinkUp) >= maxLinkDown {
		h.unhealthy = "telemetry link down"
		return false
	}
	return true
}

// fail declares the device unhealthy.
func (h *health) fail(reason string) {
	if h.ok() {
		h.unhealthy = reason
	}
}
