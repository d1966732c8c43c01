package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("SMUBENCH_CONFIG", "plan.yaml"),
		"Path to the run plan (env: SMUBENCH_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SMUBENCH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SMUBENCH_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SMUBENCH_LOG_FORMAT", "text"),
		"Log format: json, text (env: SMUBENCH_LOG_FORMAT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate the run plan and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), `%s - SMU measurement runner

Usage: %s [options]

Options:
`, appName, appName)
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(fs.Output(), `
Instrument addresses missing from the plan are read from SMU_ADDRESS and
MATRIX_ADDRESS, which may be set in a .env file.
`)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
