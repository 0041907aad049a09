// Command dimmer-cli is the operator tool for dimmer devices: debug
// console, firmware distribution server, image upload, UF2 tools and a
// USB serial monitor.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Used for flags
	cfgFile  string
	logLevel string

	// Logger instance for all commands
	log = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dimmer-cli",
	Short: "Operator tool for dimmer devices",
	Long: `dimmer-cli talks to dimmer devices over their debug console, serves
firmware images for over-the-air updates and inspects UF2 builds.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return initConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dimmer.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// setupLogging configures the global logger based on command line flags
func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initConfig reads dimmer.yaml and DIMMER_* environment variables. A
// missing config file is not an error.
func initConfig() error {
	setDefaults()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("dimmer")
	}

	// DIMMER_CONSOLE_PASSWORD overrides console.password
	viper.SetEnvPrefix("DIMMER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		log.Debug("config:loaded", slog.String("file", viper.ConfigFileUsed()))
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("console.port", defaultPort)
	viper.SetDefault("console.timeout", defaultTimeout)
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.dir", "firmware")
	viper.SetDefault("server.max_upload", int64(4<<20))
	viper.SetDefault("monitor.baud", 115200)
}
