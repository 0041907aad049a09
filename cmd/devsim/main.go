// Command dimmer-devsim runs the dimmer application on a host machine. The
// A/B flash partitions are files in a state directory, the light sensor is
// simulated and an update restarts the simulated device into the new slot.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"openenterprise/dimmer/telemetry"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "dimmer-devsim",
	Short: "Run a simulated dimmer device",
	Long: `dimmer-devsim runs the dimmer control loop, update controller and MQTT
telemetry against host resources. Flash partitions live in --state as
slot-a.bin and slot-b.bin with a boot file naming the active slot.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSimConfig(viper.GetViper())
		if err != nil {
			return err
		}
		ring := telemetry.NewLogRing(cfg.LogRing)
		logger := slog.New(telemetry.NewSlogHandler(os.Stderr, ring, &slog.HandlerOptions{Level: parseLevel(logLevel)}))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return simulate(ctx, cfg, ring, logger)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./devsim.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	f.String("id", "", "device id (default dimmer-sim)")
	f.String("state", "devsim-state", "directory holding the flash partitions")
	f.String("update-url", "", "firmware image URL")
	f.Bool("update-on-start", false, "run an update at every boot")
	f.String("broker", "", "MQTT broker, e.g. mqtt://127.0.0.1:1883 (empty disables telemetry)")
	f.Int("boots", 0, "stop after this many boots (0 runs until interrupted)")
	for key, flag := range map[string]string{
		"device.id":        "id",
		"device.state":     "state",
		"ota.url":          "update-url",
		"ota.on_start":     "update-on-start",
		"telemetry.broker": "broker",
		"device.boots":     "boots",
	} {
		viper.BindPFlag(key, f.Lookup(flag))
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initConfig reads devsim.yaml and DIMMER_SIM_* environment variables.
func initConfig() error {
	setDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("devsim")
	}
	viper.SetEnvPrefix("DIMMER_SIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
