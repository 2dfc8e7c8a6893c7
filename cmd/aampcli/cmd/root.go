// Package cmd implements the aampcli CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/josephch/aamp-go/internal/config"
	"github.com/josephch/aamp-go/internal/observability"
	"github.com/josephch/aamp-go/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	httpAddr  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "aampcli",
	Short:   "Standalone tune/seek/rate/status driver for PlayerCore",
	Version: version.Short(),
	Long: `aampcli is a REPL for driving the adaptive streaming core directly:
tune a master/media playlist or MPD URL, drive seek/rate/stop, and observe
the emitted event stream and periodic progress reports.

It ships its own logging stand-in for the host media sink, so it never
renders video; it exists to exercise the tune/playback state machine in
isolation.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
	RunE: runRepl,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./aamp.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text, json)")
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", "", "address for the debug /status endpoint (disabled if empty)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads the config file and environment variables, per the
// teacher's OnInitialize hook, through the global Viper instance whose
// defaults internal/config's SetDefaults installs.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("aamp")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/aamp")
	}

	viper.SetEnvPrefix("AAMP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig unmarshals the bound Viper instance into a config.Config,
// applying the same defaults/validation path as config.Load without
// re-reading the config file a second time.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// initLogging configures the default slog logger from the resolved
// logging config ahead of PlayerCore construction.
func initLogging() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	observability.SetDefault(observability.NewLogger(cfg.Logging))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

func defaultLogger() *slog.Logger {
	return slog.Default()
}
