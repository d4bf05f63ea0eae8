package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tonwhales/tonhub-connect/internal/application"
	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the connect daemon
var rootCmd = &cobra.Command{
	Use:   "tonhub-connect",
	Short: "Tonhub Connect is a wallet-side TonConnect bridge daemon",
	Long:  `Wallet-side TonConnect daemon: dApp session lifecycle, request approval and encrypted bridge transport for a TON wallet.`,
	Example: `
  tonhub-connect start --wallet-address EQC...
  tonhub-connect start --log-level debug --metrics-port 9090
  tonhub-connect start --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("wallet-address") {
			cfg.Wallet.Address, _ = flags.GetString("wallet-address")
		}
		if flags.Changed("bridge-url") {
			cfg.Bridge.URL, _ = flags.GetString("bridge-url")
		}
		if flags.Changed("db-host") {
			cfg.Database.Server, _ = flags.GetString("db-host")
		}
		if flags.Changed("db-port") {
			cfg.Database.Port, _ = flags.GetInt("db-port")
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init is automatically called before main(), sets up flags
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().String("wallet-address", "", "Wallet address this daemon answers for")
	rootCmd.PersistentFlags().String("bridge-url", "", "TonConnect bridge base URL")
	rootCmd.PersistentFlags().String("db-host", "localhost", "PostgreSQL host")
	rootCmd.PersistentFlags().IntP("db-port", "", 5432, "PostgreSQL port")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")
	rootCmd.PersistentFlags().String("metrics-port", "2112", "Port for Prometheus metrics server")

	// A simple version subcommand
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tonhub-connect",
		Long:  "Print the version number of tonhub-connect along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	// Add start subcommand
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the connect daemon",
		Long:  "Start the connect daemon with the specified configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfgFile, _ = cmd.Flags().GetString("config")
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				cfgFile = absPath
				logger.Info("Using config file", zap.String("config_file", cfgFile))
			}

			// Use the context passed down from main.go
			ctx := cmd.Context()

			logger.Info("Starting connect daemon...")
			engine, err := application.New(ctx, cfg)
			if err != nil {
				logger.Error("Failed to initialize the daemon", zap.Error(err))
				os.Exit(1)
			}

			// Set up graceful shutdown handling
			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
				engine.Shutdown()
			}()

			if err := engine.Start(); err != nil {
				logger.Error("Failed to start the daemon", zap.Error(err))
				os.Exit(1)
			}

			logger.Info("Tonhub Connect started successfully!")
		},
	}

	rootCmd.AddCommand(startCmd)
}
