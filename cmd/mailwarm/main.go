package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailwarm/internal/app"
	"github.com/foxzi/mailwarm/internal/config"
)

var (
	cfgFile   string
	envFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailwarm",
	Short: "mailwarm - email warmup engine",
	Long: `mailwarm ramps up sending volume across a network of mail accounts that
exchange and engage with each other's messages to build sender reputation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the warmup scheduler and servers",
	Long:  `Start the warmup scheduler, HTTP API, metrics endpoint and optional SMTP sink.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailwarm version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file before reading the config")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the application for one-off commands; the caller closes it
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	application, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app.Version = version
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Storage:   %s\n", cfg.Storage.Path)
	fmt.Printf("  Warmup:    %d -> %d messages/day over %d stages\n", cfg.Warmup.InitialVolume, cfg.Warmup.MaxVolume, cfg.Warmup.MaxStage)
	fmt.Printf("  Scheduler: %s\n", enabled(cfg.Scheduler.Enabled, fmt.Sprintf("every %s, %d workers", cfg.Scheduler.Interval, cfg.Scheduler.Workers)))
	fmt.Printf("  API:       %s\n", enabled(cfg.API.Enabled, cfg.API.ListenAddr))
	fmt.Printf("  Metrics:   %s\n", enabled(cfg.Metrics.Enabled, cfg.Metrics.ListenAddr+cfg.Metrics.Path))
	fmt.Printf("  Mailbox:   %s\n", enabled(cfg.Mailbox.Enabled, "IMAP"))
	fmt.Printf("  Sink:      %s\n", enabled(cfg.Sink.Enabled, cfg.Sink.ListenAddr))
	if cfg.Lease.Redis.Addr != "" {
		fmt.Printf("  Lease:     redis %s\n", cfg.Lease.Redis.Addr)
	} else {
		fmt.Printf("  Lease:     local\n")
	}
	if cfg.Transport.RelayAddr != "" {
		fmt.Printf("  Relay:     %s\n", cfg.Transport.RelayAddr)
	}

	return nil
}

func enabled(on bool, detail string) string {
	if !on {
		return "disabled"
	}
	return detail
}
