package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/editlock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage editlockd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.editlock/" + editlock.DefaultConfigFileName
	if path, err := editlock.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default editlockd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				if outPath, err = editlock.DefaultConfigPath(); err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; durations are rendered as
// strings so the file stays hand-editable.
type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	Broker                 string   `yaml:"broker"`
	LeaseStore             string   `yaml:"lease-store"`
	LeaseTTL               string   `yaml:"lease-ttl"`
	SweepInterval          string   `yaml:"sweep-interval"`
	PingInterval           string   `yaml:"ping-interval"`
	WriteTimeout           string   `yaml:"write-timeout"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	AllowedOrigins         []string `yaml:"allowed-origins"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := editlock.DefaultConfig()
	defaults := configDefaults{
		Listen:                 cfg.Listen,
		Broker:                 cfg.Broker,
		LeaseStore:             cfg.LeaseStore,
		LeaseTTL:               cfg.LeaseTTL.String(),
		SweepInterval:          cfg.SweepInterval.String(),
		PingInterval:           cfg.PingInterval.String(),
		WriteTimeout:           cfg.WriteTimeout.String(),
		ShutdownTimeout:        cfg.ShutdownTimeout.String(),
		AllowedOrigins:         []string{},
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		OTLPEndpoint:           cfg.OTLPEndpoint,
		LogLevel:               "info",
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
