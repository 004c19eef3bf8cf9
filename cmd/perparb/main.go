package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "perparb"
	version = "v1.0.0"
)

// Exit codes: 0 clean, 1 configuration, 2 database, 3 cache or event bus.
const (
	exitOK     = 0
	exitConfig = 1
	exitDB     = 2
	exitCache  = 3
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Funding-rate arbitrage platform",
		Version: version,
		Long: `perparb detects funding-rate spreads across perpetual-futures venues,
scores them, and runs delta-neutral two-leg positions to collect the carry.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			if lvl, err := zerolog.ParseLevel(logLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace..error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full platform: aggregation, detection, execution, API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "One-shot spread scan: fetch rates, reconcile, print the table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			minSpread, _ := cmd.Flags().GetFloat64("min-spread")
			limit, _ := cmd.Flags().GetInt("limit")
			return runScan(cmd.Context(), configPath, minSpread, limit)
		},
	}
	scanCmd.Flags().Float64("min-spread", 0.01, "minimum spread percent to show")
	scanCmd.Flags().Int("limit", 20, "maximum rows")

	rootCmd.AddCommand(serveCmd, scanCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitError tags an error with the process exit code.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if ee, ok := err.(exitError); ok {
		return ee.code
	}
	return exitConfig
}
