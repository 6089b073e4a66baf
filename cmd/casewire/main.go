// Command casewire runs the execution coordinator: the run queue,
// device pool, event streams, and HTTP API for a UI test platform.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casewire/casewire/pkg/api"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/config"
	"github.com/casewire/casewire/pkg/emulator"
	"github.com/casewire/casewire/pkg/execdriver"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/pool"
	"github.com/casewire/casewire/pkg/queue"
	"github.com/casewire/casewire/pkg/reconcile"
	"github.com/casewire/casewire/pkg/storage"
	"github.com/casewire/casewire/pkg/streamtoken"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "casewire.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("casewire %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	store, err := storage.New(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// Profiles from config are the source of truth; boot references
	// them by name.
	for _, p := range cfg.Pool.Profiles {
		profile := &storage.DeviceProfile{
			Name:       p.Name,
			Kind:       p.Kind,
			APILevel:   p.APILevel,
			ScreenSize: p.ScreenSize,
			Image:      p.Image,
		}
		if err := store.SaveDeviceProfile(profile); err != nil {
			return fmt.Errorf("seed profile %q: %w", p.Name, err)
		}
	}

	eventBus, err := newBus(cfg)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	devicePool := pool.New(emulator.New(logger), store, logger)

	driver, err := newDriver(cfg, logger)
	if err != nil {
		return err
	}

	runQueue := queue.New(store, devicePool, driver, eventBus, logger, queue.Options{
		MaxConcurrency: cfg.Queue.MaxConcurrency,
	})
	defer runQueue.Close()

	issuer, err := newIssuer(cfg)
	if err != nil {
		return err
	}

	reconciler := reconcile.New(store, logger)

	identities := make(map[string]*api.Identity, len(cfg.Auth.StaticTokens))
	for _, tok := range cfg.Auth.StaticTokens {
		identities[tok.Token] = &api.Identity{UserID: tok.UserID, ProjectIDs: tok.ProjectIDs}
	}
	verifier := api.NewStaticVerifier(identities)

	server := api.NewServer(api.Config{
		BindAddress:    cfg.Server.BindAddress,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Heartbeat:      cfg.Stream.Heartbeat,
		PollInterval:   cfg.Stream.PollInterval,
		PublicMetrics:  cfg.Server.PublicMetrics,
	}, runQueue, devicePool, store, eventBus, reconciler, issuer, verifier, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(logging.CategoryServer, "shutdown", "received "+sig.String(), nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newBus(cfg *config.Config) (bus.MessageBus, error) {
	switch cfg.Bus.Backend {
	case "nats":
		return bus.NewNATSBus(cfg.Bus.NATSURL, "casewire")
	default:
		return bus.NewMemoryBus(), nil
	}
}

func newDriver(cfg *config.Config, logger *logging.Logger) (queue.Driver, error) {
	if len(cfg.Driver.Command) == 0 {
		return nil, fmt.Errorf("driver.command is required")
	}
	return execdriver.New(cfg.Driver.Command, logger)
}

func newIssuer(cfg *config.Config) (*streamtoken.Issuer, error) {
	if cfg.Stream.TokenSecret != "" {
		return streamtoken.NewIssuer(cfg.Stream.TokenSecret), nil
	}
	// No configured secret: tokens are valid only for this process
	// lifetime, which suits single-instance deployments.
	return streamtoken.NewIssuerWithRandomKey()
}
