// Package app runs the dimmer: the update controller, the telemetry
// reporter and the actuator loop as independent tasks.
package app

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"openenterprise/dimmer/actuator"
	"openenterprise/dimmer/config"
	"openenterprise/dimmer/ota"
	"openenterprise/dimmer/telemetry"
)

// Config configures an App.
type Config struct {
	DeviceID      string
	UpdateURL     string
	UpdateOnStart bool
	Partition     string // partition the running image booted from
	Topics        config.Topics

	TelemetryInterval time.Duration
	QoS               telemetry.QoS
	Logs              *telemetry.LogRing
}

// App owns the running tasks. Tasks share only the read-only Config.
type App struct {
	cfg      Config
	ctrl     *ota.Controller
	loop     *actuator.Loop
	reporter *telemetry.Reporter
	logger   *slog.Logger
	started  time.Time

	wg sync.WaitGroup
}

// New wires ctrl, loop and, if conn is non-nil, a telemetry reporter that
// owns conn. logger may be nil.
func New(cfg Config, ctrl *ota.Controller, loop *actuator.Loop, conn telemetry.Conn, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &App{cfg: cfg, ctrl: ctrl, loop: loop, logger: logger, started: time.Now()}
	if conn != nil {
		a.reporter = telemetry.NewReporter(conn, telemetry.ReporterConfig{
			StatusTopic:  cfg.Topics.Status,
			LogTopic:     cfg.Topics.Logs,
			EventTopic:   cfg.Topics.Events,
			CommandTopic: cfg.Topics.Command,
			Interval:     cfg.TelemetryInterval,
			QoS:          cfg.QoS,
			Snapshot:     a.Status,
			OnCommand:    a.HandleCommand,
			Logs:         cfg.Logs,
		}, logger)
		ctrl.BeforeRestart(a.reporter.Flush)
	}
	ctrl.Notify(a.onSession)
	return a
}

// Reporter returns the telemetry reporter, or nil without telemetry.
func (a *App) Reporter() *telemetry.Reporter { return a.reporter }

// Controller returns the update controller.
func (a *App) Controller() *ota.Controller { return a.ctrl }

// Loop returns the actuator loop.
func (a *App) Loop() *actuator.Loop { return a.loop }

// Run starts all tasks and blocks until ctx is cancelled and they have
// stopped. A successful update restarts the device before Run returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("app:start",
		slog.String("device", a.cfg.DeviceID),
		slog.String("partition", a.cfg.Partition),
	)
	a.spawn("actuator", func() { a.loop.Run(ctx) })
	if a.reporter != nil {
		a.spawn("telemetry", func() { a.reporter.Run(ctx) })
	}
	if a.cfg.UpdateOnStart && a.cfg.UpdateURL != "" {
		a.TriggerUpdate("")
	}
	<-ctx.Done()
	a.wg.Wait()
	return ctx.Err()
}

// spawn runs fn on its own goroutine, logging a panic instead of crashing
// the other tasks.
func (a *App) spawn(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("app:task-panic", slog.String("task", name), slog.Any("panic", r))
			}
		}()
		fn()
	}()
}

// TriggerUpdate starts an update from url, or the configured URL if url is
// empty. It returns false if no URL is known or a session is live.
func (a *App) TriggerUpdate(url string) bool {
	if url == "" {
		url = a.cfg.UpdateURL
	}
	if url == "" {
		a.logger.Warn("app:no-update-url")
		return false
	}
	return a.ctrl.Start(url)
}

// HandleCommand executes a command received on the command topic:
//
//	ota [url]                      start an update
//	status                         publish status now
//	mode dim|threshold             set the actuator mode
//	light <duty>                   hold the output at duty
func (a *App) HandleCommand(payload []byte) {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return
	}
	a.logger.Info("app:command", slog.String("cmd", fields[0]))
	switch fields[0] {
	case "ota":
		url := ""
		if len(fields) > 1 {
			url = fields[1]
		}
		a.TriggerUpdate(url)
	case "status":
		if a.reporter != nil {
			a.reporter.PublishStatus()
		}
	case "mode":
		if len(fields) < 2 {
			return
		}
		if m, ok := actuator.ParseMode(fields[1]); ok && m != actuator.Manual {
			a.loop.SetMode(m)
		}
	case "light":
		if len(fields) < 2 {
			return
		}
		if d, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
			a.loop.SetManual(uint32(d))
		}
	default:
		a.logger.Warn("app:unknown-command", slog.String("cmd", fields[0]))
	}
}

// Status returns the current status document.
func (a *App) Status() telemetry.Status {
	r := a.loop.Last()
	s := a.ctrl.Status()
	st := telemetry.Status{
		Device:    a.cfg.DeviceID,
		Partition: a.cfg.Partition,
		Uptime:    time.Since(a.started),
		Light:     r.Raw,
		Duty:      r.Duty,
		Mode:      r.Mode.String(),
		OTAState:  s.State.String(),
		OTABytes:  s.BytesWritten,
	}
	if s.Err != nil {
		st.OTAKind = ota.KindOf(s.Err).String()
		st.OTAErr = s.Err.Error()
	}
	return st
}

func (a *App) onSession(s ota.Session) {
	if a.reporter == nil {
		return
	}
	u := telemetry.Update{
		Session:    s.ID,
		URL:        s.URL,
		State:      s.State.String(),
		StatusCode: s.StatusCode,
		Bytes:      s.BytesWritten,
		Duration:   s.Ended.Sub(s.Started),
	}
	if s.State == ota.Success {
		u.SHA256 = hex.EncodeToString(s.Digest[:])
	}
	if s.Err != nil {
		u.Kind = ota.KindOf(s.Err).String()
		u.Err = s.Err.Error()
	}
	// Best effort: the update outcome never depends on this publish.
	a.reporter.PublishEvent(telemetry.AppendUpdateJSON(nil, u))
}
