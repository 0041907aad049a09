package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"openenterprise/dimmer/actuator"
	"openenterprise/dimmer/app"
	"openenterprise/dimmer/config"
	"openenterprise/dimmer/httpsrc"
	"openenterprise/dimmer/ota"
	"openenterprise/dimmer/telemetry"
)

var errBadQoS = errors.New("devsim: telemetry.qos must be 0, 1 or 2")

// simConfig is the resolved simulator configuration.
type simConfig struct {
	DeviceID      string
	StateDir      string
	PartitionSize uint32
	RequireMarker bool
	Boots         int

	UpdateURL     string
	UpdateOnStart bool
	OTAUser       string
	OTAPass       string
	UpdateTimeout time.Duration
	Grace         time.Duration

	Broker            string
	BrokerCAFile      string
	MQTTUser          string
	MQTTPass          string
	TopicRoot         string
	TelemetryInterval time.Duration
	QoS               telemetry.QoS
	LogRing           int

	Mode         actuator.Mode
	Tick         time.Duration
	Report       time.Duration
	SensorLevel  int           // fixed raw reading, -1 for a daylight cycle
	SensorPeriod time.Duration // length of one simulated day
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.id", "dimmer-sim")
	v.SetDefault("device.state", "devsim-state")
	v.SetDefault("device.partition_size", 2<<20)
	v.SetDefault("device.require_marker", false)
	v.SetDefault("ota.timeout", config.DefaultUpdateTimeout)
	v.SetDefault("ota.grace", ota.DefaultGrace)
	v.SetDefault("telemetry.topic_root", config.DefaultTopicRoot)
	v.SetDefault("telemetry.interval", config.DefaultTelemetryInterval)
	v.SetDefault("telemetry.qos", 0)
	v.SetDefault("telemetry.log_ring", 64)
	v.SetDefault("actuator.mode", "dim")
	v.SetDefault("actuator.tick", config.DefaultControlTick)
	v.SetDefault("actuator.report", config.DefaultReportInterval)
	v.SetDefault("sensor.level", -1)
	v.SetDefault("sensor.period", 10*time.Minute)
}

func loadSimConfig(v *viper.Viper) (simConfig, error) {
	mode, ok := actuator.ParseMode(v.GetString("actuator.mode"))
	if !ok || mode == actuator.Manual {
		return simConfig{}, fmt.Errorf("devsim: unknown actuator mode %q", v.GetString("actuator.mode"))
	}
	qos := v.GetInt("telemetry.qos")
	if qos < 0 || qos > 2 {
		return simConfig{}, errBadQoS
	}
	size := v.GetUint32("device.partition_size")
	if size == 0 || size%4096 != 0 {
		return simConfig{}, fmt.Errorf("devsim: partition size %d not a multiple of 4096", size)
	}
	return simConfig{
		DeviceID:          v.GetString("device.id"),
		StateDir:          v.GetString("device.state"),
		PartitionSize:     size,
		RequireMarker:     v.GetBool("device.require_marker"),
		Boots:             v.GetInt("device.boots"),
		UpdateURL:         v.GetString("ota.url"),
		UpdateOnStart:     v.GetBool("ota.on_start"),
		OTAUser:           v.GetString("ota.username"),
		OTAPass:           v.GetString("ota.password"),
		UpdateTimeout:     v.GetDuration("ota.timeout"),
		Grace:             v.GetDuration("ota.grace"),
		Broker:            v.GetString("telemetry.broker"),
		BrokerCAFile:      v.GetString("telemetry.ca_file"),
		MQTTUser:          v.GetString("telemetry.username"),
		MQTTPass:          v.GetString("telemetry.password"),
		TopicRoot:         v.GetString("telemetry.topic_root"),
		TelemetryInterval: v.GetDuration("telemetry.interval"),
		QoS:               telemetry.QoS(qos),
		LogRing:           v.GetInt("telemetry.log_ring"),
		Mode:              mode,
		Tick:              v.GetDuration("actuator.tick"),
		Report:            v.GetDuration("actuator.report"),
		SensorLevel:       v.GetInt("sensor.level"),
		SensorPeriod:      v.GetDuration("sensor.period"),
	}, nil
}

// simulate boots the device repeatedly. Each successful update ends a boot
// and the next boot runs from the partition the update selected.
func simulate(ctx context.Context, cfg simConfig, logs *telemetry.LogRing, logger *slog.Logger) error {
	dev, err := ota.NewFileDevice(cfg.StateDir, cfg.PartitionSize)
	if err != nil {
		return err
	}
	dev.RequireMarker = cfg.RequireMarker
	for n := 1; cfg.Boots == 0 || n <= cfg.Boots; n++ {
		logger.Info("sim:boot", slog.Int("n", n), slog.String("partition", dev.Running().String()))
		restarted, err := boot(ctx, cfg, dev, logs, logger)
		if err != nil {
			return err
		}
		if !restarted {
			return nil
		}
	}
	logger.Info("sim:boot-limit", slog.Int("boots", cfg.Boots))
	return nil
}

// boot runs one power cycle of the device until ctx ends or the update
// controller restarts it. It reports whether a restart ended the boot.
func boot(ctx context.Context, cfg simConfig, dev *ota.FileDevice, logs *telemetry.LogRing, logger *slog.Logger) (bool, error) {
	if logs != nil {
		logs.SetPaused(false)
	}
	bootCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var restarted atomic.Bool

	ctrl := ota.NewController(
		&httpsrc.NetSource{User: cfg.OTAUser, Pass: cfg.OTAPass},
		ota.NewFlash(dev),
		ota.RestartFunc(func() {
			restarted.Store(true)
			cancel()
		}),
		logger,
		ota.Config{Timeout: cfg.UpdateTimeout, Grace: cfg.Grace},
	)

	start := time.Now()
	var duty atomic.Uint32
	loop := actuator.New(
		sensorFor(cfg, start),
		actuator.OutputFunc(func(d uint32) { duty.Store(d) }),
		actuator.Config{Mode: cfg.Mode, Tick: cfg.Tick, Report: cfg.Report},
		logger,
	)

	conn, err := telemetryConn(cfg, logger)
	if err != nil {
		return false, err
	}

	a := app.New(app.Config{
		DeviceID:          cfg.DeviceID,
		UpdateURL:         cfg.UpdateURL,
		UpdateOnStart:     cfg.UpdateOnStart,
		Partition:         dev.Running().String(),
		Topics:            config.TopicsFor(cfg.TopicRoot, cfg.DeviceID),
		TelemetryInterval: cfg.TelemetryInterval,
		QoS:               cfg.QoS,
		Logs:              logs,
	}, ctrl, loop, conn, logger)
	ctrl.BeforeRestart(func() {
		loop.SetPaused(true)
		if logs != nil {
			logs.SetPaused(true)
		}
	})

	err = a.Run(bootCtx)
	if restarted.Load() {
		logger.Info("sim:restart", slog.String("next", dev.Running().String()))
		return true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return false, err
}

// telemetryConn returns the MQTT client for cfg, or nil when no broker is
// configured.
func telemetryConn(cfg simConfig, logger *slog.Logger) (telemetry.Conn, error) {
	if cfg.Broker == "" {
		logger.Warn("telemetry:disabled", slog.String("reason", "no broker"))
		return nil, nil
	}
	b, err := config.ParseBroker(cfg.Broker)
	if err != nil {
		return nil, err
	}
	d := &telemetry.NetDialer{Addr: b.Address(), Timeout: 10 * time.Second}
	if b.TLS {
		var ca []byte
		if cfg.BrokerCAFile != "" {
			if ca, err = os.ReadFile(cfg.BrokerCAFile); err != nil {
				return nil, fmt.Errorf("read broker CA: %w", err)
			}
		}
		if d.TLS, err = telemetry.NewTLSConfig(ca, b.Host); err != nil {
			return nil, err
		}
	}
	logger.Info("config:broker", slog.String("addr", b.Address()), slog.Bool("tls", b.TLS))
	return telemetry.NewClient(d, telemetry.Options{
		ClientID: cfg.DeviceID,
		Username: cfg.MQTTUser,
		Password: cfg.MQTTPass,
	}, logger), nil
}

// sensorFor returns a fixed reading, or a daylight cycle that starts at
// dawn and repeats every SensorPeriod.
func sensorFor(cfg simConfig, start time.Time) actuator.Sensor {
	if cfg.SensorLevel >= 0 {
		raw := uint16(min(cfg.SensorLevel, actuator.DefaultMax))
		return actuator.SensorFunc(func() uint16 { return raw })
	}
	period := cfg.SensorPeriod
	if period <= 0 {
		period = 10 * time.Minute
	}
	return actuator.SensorFunc(func() uint16 {
		return daylight(time.Since(start), period)
	})
}

// daylight maps elapsed time onto a raw light level: dark at 0, brightest
// at half a period.
func daylight(elapsed, period time.Duration) uint16 {
	phase := float64(elapsed%period) / float64(period)
	level := (1 - math.Cos(2*math.Pi*phase)) / 2
	return uint16(math.Round(level * actuator.DefaultMax))
}
