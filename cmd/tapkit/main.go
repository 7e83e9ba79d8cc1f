package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/internal/storage"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "tapkit",
	Short: "Service client registry with traffic capture and transfer progress",
	Long: `tapkit keeps one HTTP client per configured service, rebuilds clients on demand,
records every exchange into time-bucketed capture storage and reports transfer progress.

Run "tapkit serve" for the inspection API, or "tapkit fetch" to call a service directly.
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Record output mode (console, json)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Do not print captured records")
	rootCmd.PersistentFlags().String("capture-path", "", "Capture storage path")
	rootCmd.PersistentFlags().String("capture-driver", "", "Capture storage driver (file, sqlite)")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd, serveCmd, fetchCmd, capturesCmd, pruneCmd)
}

func bindFlags(cmd *cobra.Command) {
	viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("output.mode", cmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("capture.path", cmd.PersistentFlags().Lookup("capture-path"))
	viper.BindPFlag("capture.driver", cmd.PersistentFlags().Lookup("capture-driver"))
}

// loadConfig reads the config file, applies flag overrides and validates.
func loadConfig(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// flags win over the file
	if logLevel, err := cmd.Flags().GetString("log-level"); err == nil && logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if mode, err := cmd.Flags().GetString("output"); err == nil && mode != "" {
		cfg.Output.Mode = mode
	}
	if path, err := cmd.Flags().GetString("capture-path"); err == nil && path != "" {
		cfg.Capture.Path = path
	}
	if driver, err := cmd.Flags().GetString("capture-driver"); err == nil && driver != "" {
		cfg.Capture.Driver = driver
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger.NewLogger(&cfg.Log, cfg.Output.Mode), nil
}

// openStore opens capture storage without the rest of the app.
func openStore(cfg *config.Config, log logger.Logger) (storage.Store, error) {
	opts, err := storage.OptionsFromConfig(&cfg.Capture)
	if err != nil {
		return nil, err
	}
	return storage.New(opts, log)
}

// configFileUsed is the file to watch, or "" when running on defaults.
func configFileUsed(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return viper.ConfigFileUsed()
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("tapkit version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
