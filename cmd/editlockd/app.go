package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/editlock"
	"pkt.systems/editlock/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("EDITLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "editlockd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := editlock.DefaultConfigPath(); err == nil {
			cfgPath = candidate
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "editlockd",
		Short:         "editlockd relays collaborative edit locks between browser windows",
		SilenceErrors: true,
		Example: `
  # Single relay, everything in memory
  editlockd

  # Relays behind a load balancer sharing redis fan-out and a postgres lock table
  EDITLOCK_BROKER=redis://cache:6379/0 EDITLOCK_LEASE_STORE=postgres://editlock@db/editlock editlockd

  # Prometheus metrics with Go runtime producers
  editlockd --metrics-listen :9343 --enable-profiling-metrics
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cmd.SilenceUsage = true
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to editlockd", "pid", os.Getpid())
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg := bindConfig(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			server, err := editlock.NewServer(cfg, editlock.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdown := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}
			defer shutdown()
			go func() {
				<-cmd.Context().Done()
				shutdown()
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	defaultConfig := "$HOME/.editlock/" + editlock.DefaultConfigFileName
	if path, err := editlock.DefaultConfigPath(); err == nil {
		defaultConfig = path
	}
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to "+defaultConfig+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", editlock.DefaultListen, "listen address")
	flags.String("broker", editlock.DefaultBroker, "fan-out broker URL (mem://, redis://host:port/db)")
	flags.String("lease-store", editlock.DefaultLeaseStore, "lock table URL (mem://, postgres://user@host/db)")
	flags.Duration("lease-ttl", editlock.DefaultLeaseTTL, "lock lifetime without a heartbeat")
	flags.Duration("sweep-interval", editlock.DefaultSweepInterval, "interval between expired-lock sweeps")
	flags.Duration("ping-interval", editlock.DefaultPingInterval, "websocket keepalive interval")
	flags.Duration("write-timeout", editlock.DefaultWriteTimeout, "websocket write timeout")
	flags.Duration("shutdown-timeout", editlock.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.StringSlice("allowed-origins", nil, "websocket origins to accept (empty accepts all)")
	flags.String("metrics-listen", editlock.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", editlock.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	v.SetEnvPrefix(editlock.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	mustBind(v, persistentFlags.Lookup("config"), persistentFlags.Lookup("log-level"))
	mustBind(v,
		flags.Lookup("listen"), flags.Lookup("broker"), flags.Lookup("lease-store"),
		flags.Lookup("lease-ttl"), flags.Lookup("sweep-interval"), flags.Lookup("ping-interval"),
		flags.Lookup("write-timeout"), flags.Lookup("shutdown-timeout"), flags.Lookup("allowed-origins"),
		flags.Lookup("metrics-listen"), flags.Lookup("pprof-listen"), flags.Lookup("enable-profiling-metrics"),
		flags.Lookup("otlp-endpoint"),
	)

	cmd.AddCommand(newEditCommand(svcfields.WithSubsystem(baseLogger, "cli.edit")))
	cmd.AddCommand(newLocksCommand(svcfields.WithSubsystem(baseLogger, "cli.locks")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper) editlock.Config {
	return editlock.Config{
		Listen:                 v.GetString("listen"),
		Broker:                 v.GetString("broker"),
		LeaseStore:             v.GetString("lease-store"),
		LeaseTTL:               v.GetDuration("lease-ttl"),
		SweepInterval:          v.GetDuration("sweep-interval"),
		PingInterval:           v.GetDuration("ping-interval"),
		WriteTimeout:           v.GetDuration("write-timeout"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
		AllowedOrigins:         v.GetStringSlice("allowed-origins"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
	}
}

func mustBind(v *viper.Viper, flags ...*pflag.Flag) {
	for _, flag := range flags {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
