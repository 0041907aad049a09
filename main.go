//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"context"
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"openenterprise/dimmer/actuator"
	"openenterprise/dimmer/app"
	"openenterprise/dimmer/config"
	"openenterprise/dimmer/credentials"
	"openenterprise/dimmer/httpsrc"
	"openenterprise/dimmer/ota"
	"openenterprise/dimmer/telemetry"
	"openenterprise/dimmer/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const (
	pollTime   = 5 * time.Millisecond
	logRingLen = 64
)

var requestedIP = [4]byte{192, 168, 1, 99}

// Functional watchdog state; the stack loop feeds the watchdog only while
// healthy.
var (
	devHealth     = newHealth(time.Now())
	systemHealthy = true
)

// fatalError waits for the watchdog reset, with a software reset fallback.
func fatalError(dev *ota.RP2350, msg string) {
	println(msg)
	systemHealthy = false
	// Watchdog timeout is 8s
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	dev.Restart()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	// CRITICAL: confirm the running image IMMEDIATELY so the bootrom does
	// not revert it (TBYB window is 16.7s). Do this before ANY delays!
	dev := ota.NewRP2350(func() {
		// The cyw43439 driver has no deinit; give pending packets a moment.
		time.Sleep(100 * time.Millisecond)
	})
	confirmResult := dev.ConfirmCode()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Openenterprise Dimmer")
	println("  Version:", version.String())
	println("  Partition:", dev.Running().String())
	println("========================================")

	// Serial text output plus a queue of records for MQTT
	logs := telemetry.NewLogRing(logRingLen)
	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, logs, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	// The cywnet library logs "packet dropped" at ERROR level which is normal
	// for WiFi; suppress all network stack logging.
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	if confirmResult != 0 {
		logger.Warn("ota:confirm-failed", slog.Int("code", confirmResult))
	} else {
		logger.Info("ota:confirmed", slog.String("partition", dev.Running().String()))
	}

	// Actuator first: the lamp works even without a network.
	out, err := actuator.NewPWMOutput(actuator.DefaultMax)
	if err != nil {
		logger.Error("actuator:pwm-failed", slog.String("err", err.Error()))
		fatalError(dev, "PWM setup failed - waiting for reset...")
	}
	loop := actuator.New(actuator.NewADCSensor(), out, actuator.Config{
		Tick:   config.DefaultControlTick,
		Report: config.ReportInterval(),
	}, logger)

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "dimmer",
			MaxTCPPorts: 3, // MQTT + debug console + image download
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError(dev, "WiFi setup failed - waiting for reset...")
	}
	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError(dev, "DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))
	stack := cystack.LnetoStack()

	otaUser, otaPass := credentials.OTA()
	src := &httpsrc.Source{Stack: stack, User: otaUser, Pass: otaPass, Logger: logger}
	ctrl := ota.NewController(src, ota.NewFlash(dev), dev, logger, ota.Config{
		Timeout: config.DefaultUpdateTimeout,
	})

	clientID := config.ClientID()
	if clientID == "" {
		clientID = "dimmer-" + dhcpResults.AssignedAddr.String()
	}
	var conn telemetry.Conn
	if broker, err := config.BrokerEndpoint(); err != nil {
		logger.Warn("telemetry:disabled", slog.String("err", err.Error()))
	} else if broker.TLS {
		logger.Warn("telemetry:disabled", slog.String("reason", "tls unsupported on device"))
	} else if addr, err := broker.AddrPort(); err != nil {
		logger.Warn("telemetry:disabled", slog.String("err", err.Error()))
	} else {
		mqttUser, mqttPass := credentials.MQTT()
		dialer := &telemetry.LnetoDialer{Stack: stack, Addr: addr, Timeout: 10 * time.Second}
		conn = telemetry.NewClient(dialer, telemetry.Options{
			ClientID: clientID,
			Username: mqttUser,
			Password: mqttPass,
		}, logger)
		logger.Info("config:broker", slog.String("addr", addr.String()))
	}

	a := app.New(app.Config{
		DeviceID:          clientID,
		UpdateURL:         config.OTAURL(),
		UpdateOnStart:     config.UpdateOnBoot(),
		Partition:         dev.Running().String(),
		Topics:            config.TopicsFor(config.DefaultTopicRoot, clientID),
		TelemetryInterval: config.TelemetryInterval(),
		Logs:              logs,
	}, ctrl, loop, conn, logger)
	ctrl.BeforeRestart(func() { loop.SetPaused(true) })

	sh := &shell{
		app:     a,
		logs:    logs,
		health:  devHealth,
		addr:    func() string { return stack.Addr().String() },
		reboot:  func() { dev.Restart() },
		started: time.Now(),
	}
	go consoleServer(stack, sh, &authGuard{password: credentials.ConsolePassword()}, logger)
	go a.Run(context.Background())
	logger.Info("init:complete")

	for {
		time.Sleep(healthCheckEvery)
		linkUp := conn == nil || conn.Connected()
		if !devHealth.observe(time.Now(), loop.Steps(), linkUp) && systemHealthy {
			logger.Error("watchdog:unhealthy", slog.String("reason", devHealth.reason()))
			systemHealthy = false
		}
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
// When unhealthy, the watchdog will timeout and reset the device.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
