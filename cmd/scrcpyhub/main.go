// Command scrcpyhub shares Android device displays between several browser
// viewers and arbitrates who may control each display.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/codefionn/scrcpyhub/internal/config"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/importer"
	"github.com/codefionn/scrcpyhub/internal/lockfile"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/store"
	"github.com/codefionn/scrcpyhub/internal/web"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath string
		listen     string
		logLevel   string
		dbPath     string
		importDir  string
	)

	flagSet := pflag.NewFlagSet("scrcpyhub", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.GetConfigPath(), "path to the JSON config file")
	flagSet.StringVarP(&listen, "listen", "l", "", "address to listen on (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, error or none (overrides config)")
	flagSet.StringVar(&dbPath, "db", "", "workflow database path, :memory: for no persistence (overrides config)")
	flagSet.StringVar(&importDir, "import-dir", "", "directory watched for workflow exports (overrides config)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: scrcpyhub [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()

	// Flags win over the environment and the config file.
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if importDir != "" {
		cfg.ImportDir = importDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	// Libraries logging through slog or the log package end up in our log.
	slog.SetDefault(slog.New(logger.NewSlogHandler(logger.Global().WithPrefix("slog"))))

	logger.Info("scrcpyhub starting")
	logger.Debug("Configuration loaded: config=%s listen=%s db=%s devices=%v", configPath, cfg.Listen, cfg.DatabasePath, cfg.DeviceIDs())

	if lock := lockfile.ForDatabase(cfg.DatabasePath); lock != nil {
		if err := lock.TryAcquire("listen=" + cfg.Listen); err != nil {
			return err
		}
		defer func() {
			if releaseErr := lock.Release(); releaseErr != nil {
				logger.Warn("Failed to release %s: %v", lock.Path(), releaseErr)
			}
		}()
	}

	db, err := store.Open(cfg.DatabasePath, nil)
	if err != nil {
		return fmt.Errorf("failed to open workflow store: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close workflow store: %v", closeErr)
		}
	}()

	resolver := &device.Resolver{Configured: cfg.DeviceURL, Connections: db}
	hub := web.NewHub(cfg, db,
		web.WithConnections(db),
		web.WithDialer(&device.WSDialer{URL: resolver.URL}),
	)
	server := web.NewServer(cfg, hub, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	if cfg.ImportDir != "" {
		im := importer.New(cfg.ImportDir, db)
		g.Go(func() error {
			return im.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("scrcpyhub stopped")
	return nil
}
