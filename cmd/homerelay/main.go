package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/homerelay/internal/config"
	"github.com/homerelay/internal/discovery"
	"github.com/homerelay/internal/logging"
	"github.com/homerelay/internal/telemetry"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

type flags struct {
	mode       string
	configPath string
	logLevel   string
	dev        bool

	listen string
	admin  string
	broker string
	key    string

	to     string
	device string
	data   string
	check  bool
}

func main() {
	var f flags
	fs := pflag.NewFlagSet("homerelay", pflag.ExitOnError)
	fs.StringVar(&f.mode, "mode", "broker", "mode: broker | manager | controller")
	fs.StringVar(&f.configPath, "config", "", "path to the YAML config file (default $"+config.EnvVar+")")
	fs.StringVar(&f.logLevel, "log-level", "", "log level override: debug | info | warn | error")
	fs.BoolVar(&f.dev, "dev", false, "human-readable development logging")
	fs.StringVar(&f.listen, "listen", "", "broker listen address override")
	fs.StringVar(&f.admin, "admin", "", "broker admin HTTP address override")
	fs.StringVar(&f.broker, "broker", "", "broker address for manager and controller")
	fs.StringVar(&f.key, "key", "", "key to register (manager and controller)")
	fs.StringVar(&f.to, "to", "", "controller: key of the target manager")
	fs.StringVar(&f.device, "device", "", "controller: device name on the target manager")
	fs.StringVar(&f.data, "data", "", "controller: data to send")
	fs.BoolVar(&f.check, "check", false, "controller: only check the broker connection")
	fs.Parse(os.Args[1:])

	cfg, err := loadConfig(f, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homerelay: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homerelay: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", zap.String("mode", f.mode), zap.String("version", version))
	switch f.mode {
	case "broker":
		err = runBroker(ctx, cfg, logger)
	case "manager":
		err = runManager(ctx, cfg, logger)
	case "controller":
		err = runController(ctx, cfg, f, logger)
	default:
		err = fmt.Errorf("unknown mode %q (must be broker, manager or controller)", f.mode)
	}
	if err != nil {
		logger.Error("exiting", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(f flags, fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("dev") {
		cfg.Log.Development = f.dev
	}
	if fs.Changed("listen") {
		cfg.Broker.Address = f.listen
	}
	if fs.Changed("admin") {
		cfg.Broker.AdminAddress = f.admin
	}
	if fs.Changed("broker") {
		cfg.Manager.BrokerAddress = f.broker
		cfg.Controller.BrokerAddress = f.broker
		// an explicit broker wins over discovery
		cfg.Discovery.Endpoints = nil
	}
	if fs.Changed("key") {
		cfg.Manager.Key = f.key
		cfg.Controller.Key = f.key
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// resolveBroker looks the broker address up in etcd when discovery is
// configured, and returns fallback otherwise.
func resolveBroker(ctx context.Context, d config.DiscoveryConfig, fallback string, logger *zap.Logger) (string, error) {
	if !d.Enabled() {
		return fallback, nil
	}
	cli, err := discovery.NewClient(d.Endpoints, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("etcd client: %w", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addr, err := discovery.Resolve(ctx, cli, d.Prefix)
	if err != nil {
		return "", fmt.Errorf("resolve broker: %w", err)
	}
	logger.Info("broker resolved", zap.String("address", addr))
	return addr, nil
}
