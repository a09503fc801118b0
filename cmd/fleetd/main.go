package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/fleetd/internal/config"
	"github.com/spin-stack/fleetd/internal/version"
)

type flags struct {
	configFile     string
	logLevel       string
	metricsAddress string
	showVersion    bool
}

func parseFlags(args []string) (flags, *pflag.FlagSet, error) {
	var f flags
	fs := pflag.NewFlagSet("fleetd", pflag.ContinueOnError)
	fs.StringVar(&f.configFile, "config", "", "Path to the configuration file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.StringVar(&f.metricsAddress, "metrics-address", "", "Listen address of the status server, empty string disables it")
	fs.BoolVar(&f.showVersion, "version", false, "Print the version and exit")
	err := fs.Parse(args)
	return f, fs, err
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(f flags, fs *pflag.FlagSet) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configFile != "" {
		cfg, err = config.LoadFrom(f.configFile)
	} else {
		cfg, err = config.Get()
	}
	if err != nil {
		return nil, err
	}

	if fs.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if fs.Changed("metrics-address") {
		cfg.Metrics.Address = f.metricsAddress
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) error {
	if err := log.SetLevel(cfg.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	format := log.TextFormat
	if cfg.Format == "json" {
		format = log.JSONFormat
	}
	return log.SetFormat(format)
}

func main() {
	f, fs, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if f.showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := loadConfig(f, fs)
	if err != nil {
		log.L.WithError(err).Fatal("failed to load configuration")
	}
	if err := setupLogging(cfg.Logging); err != nil {
		log.L.WithError(err).Fatal("failed to configure logging")
	}

	ctx := context.Background()
	log.G(ctx).WithField("version", version.Info()).Info("starting fleetd")

	if err := run(ctx, cfg); err != nil {
		log.G(ctx).WithError(err).Fatal("fleetd exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		cancel()
		d.shutdown(context.WithoutCancel(ctx))
		return err
	}

	s := make(chan os.Signal, 1)
	signal.Notify(s, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(s)

	for sig := range s {
		switch sig {
		case unix.SIGHUP:
			log.G(ctx).Info("reloading trust policy")
			d.reloadTrust(ctx)
		default:
			log.G(ctx).WithField("signal", sig).Info("received shutdown signal")
			cancel()
			d.shutdown(context.WithoutCancel(ctx))
			return nil
		}
	}
	return nil
}
