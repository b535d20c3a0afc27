package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/events"
	"github.com/marmos91/gridrpc/pkg/reactor"
	"github.com/marmos91/gridrpc/pkg/registry"
	"github.com/marmos91/gridrpc/pkg/service"
	"github.com/marmos91/gridrpc/pkg/services/gateway"
	"github.com/marmos91/gridrpc/pkg/services/sandbox"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath  string
	services    []string
	cloneIndex  int
	logLevel    string
	printConfig bool
	initConfig  bool
	force       bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("gridrpc", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file (default: $XDG_CONFIG_HOME/gridrpc/config.yaml)")
	fs.StringArrayVarP(&opts.services, "service", "s", nil, "Service to serve as System/Component (repeatable; default: every configured service)")
	fs.IntVar(&opts.cloneIndex, "clone-index", 0, "Clone number of this process (set by the parent when cloning)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override logging.level (DEBUG, INFO, WARN, ERROR)")
	fs.BoolVar(&opts.printConfig, "print-config", false, "Print a sample configuration and exit")
	fs.BoolVar(&opts.initConfig, "init-config", false, "Write a sample configuration to --config (or the default path) and exit")
	fs.BoolVar(&opts.force, "force", false, "Overwrite an existing file with --init-config")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.cloneIndex < 0 {
		return nil, fmt.Errorf("--clone-index must not be negative")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridrpc: %v\n", err)
		os.Exit(2)
	}

	if opts.printConfig {
		out, err := config.SampleYAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "gridrpc: %v\n", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	if opts.initConfig {
		path := opts.configPath
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if err := config.InitConfigToPath(path, opts.force); err != nil {
			fmt.Fprintf(os.Stderr, "gridrpc: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", path)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "gridrpc: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	log, closer, err := logger.Open(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.SetDefault(log)
	service.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	names := opts.services
	if len(names) == 0 {
		names = configuredServices(cfg.Store())
	}
	log.Info("gridrpc %s starting (clone %d, services: %v)", version, opts.cloneIndex, names)

	m := config.InitializeMetrics(cfg, log)
	if m.Server != nil && opts.cloneIndex == 0 {
		go func() {
			if err := m.Server.Start(ctx); err != nil {
				log.Error("Metrics server: %v", err)
			}
		}()
	}

	var pub events.Publisher = events.NoopPublisher{}
	if cfg.Events.Enabled {
		hostname, _ := os.Hostname()
		natsPub, err := events.Connect(events.NATSOptions{
			URL:            cfg.Events.URL,
			Name:           fmt.Sprintf("gridrpc@%s/%d", hostname, opts.cloneIndex),
			Subject:        cfg.Events.Subject,
			ConnectTimeout: cfg.Events.ConnectTimeout,
			Logger:         log.With("component", "events"),
		})
		if err != nil {
			return err
		}
		defer natsPub.Close()
		pub = natsPub
	}

	catalog := service.NewCatalog()
	catalog.Register(gateway.Module, gateway.New)
	catalog.Register(sandbox.Module, sandbox.New)

	var spawner reactor.CloneSpawner
	if opts.cloneIndex == 0 {
		var args []string
		if opts.configPath != "" {
			args = append(args, "--config", opts.configPath)
		}
		if opts.logLevel != "" {
			args = append(args, "--log-level", opts.logLevel)
		}
		spawner = &reactor.ExecSpawner{
			Args:        args,
			StopTimeout: cfg.Server.ShutdownTimeout + 5*time.Second,
			Logger:      log,
		}
	}

	r := reactor.New(reactor.Options{
		Store:      cfg.Store(),
		Catalog:    catalog,
		Registry:   registry.New(cfg.Store()),
		Server:     cfg.Server,
		TLS:        cfg.TLS,
		CloneIndex: opts.cloneIndex,
		Clones:     spawner,
		Metrics:    m.RPC,
		Events:     pub,
		Logger:     log,
	})

	if err := r.Initialize(ctx, names); err != nil {
		return err
	}
	if err := r.CreateListeners(); err != nil {
		if cerr := r.Close(); cerr != nil {
			log.Warn("Closing services: %v", cerr)
		}
		return err
	}
	return r.Serve(ctx)
}

// configuredServices lists every System/Component under Services.
func configuredServices(store config.Store) []string {
	var names []string
	for _, system := range store.Children("Services") {
		for _, component := range store.Children("Services/" + system) {
			names = append(names, system+"/"+component)
		}
	}
	return names
}
