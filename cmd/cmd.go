package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/playhouse/playhouse/internal/config"
	"github.com/playhouse/playhouse/internal/obs"
)

const (
	ServiceName      = "playhouse"
	ServiceNamespace = "playhouse"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run is the module's single CLI entrypoint, in the teacher's cmd.go shape:
// one urfave/cli App with a handful of subcommands, each loading config
// and handing off to an fx.App for the actual wiring.
func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Real-time multiplayer mesh: Play and Api servers sharing one binary",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			meshTopCmd(),
		},
	}
	return app.Run(os.Args)
}

func configFileFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "config_file",
		Usage: "Path to the configuration file (YAML/JSON/TOML; env PLAYHOUSE_* always applies)",
	}
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run one Play or Api server process",
		Flags: []cli.Flag{
			configFileFlag(),
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config_file"), nil)
			if err != nil {
				return fmt.Errorf("server: %w", err)
			}

			provider, err := obs.Setup(obs.Options{
				ServiceName:    ServiceName,
				ServiceVersion: version,
				Level:          slog.LevelInfo,
			})
			if err != nil {
				return fmt.Errorf("server: observability setup: %w", err)
			}
			logger := provider.Logger
			logger.Info("starting playhouse server",
				"server_id", cfg.ServerID, "nid", cfg.NID(), "service_type", cfg.ServiceType,
				"version", version, "commit", commit, "branch", branch)

			app := NewApp(cfg, logger, provider, Bootstrap{})
			if err := app.Start(c.Context); err != nil {
				return fmt.Errorf("server: start: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := app.Stop(shutdownCtx); err != nil {
				return err
			}
			return provider.Shutdown(shutdownCtx)
		},
	}
}

func meshTopCmd() *cli.Command {
	return &cli.Command{
		Name:  "mesh-top",
		Usage: "Terminal dashboard over a running mesh's server and stage counts",
		Flags: []cli.Flag{
			configFileFlag(),
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config_file"), nil)
			if err != nil {
				return fmt.Errorf("mesh-top: %w", err)
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			backend, err := ProvideBackend(cfg)
			if err != nil {
				return fmt.Errorf("mesh-top: %w", err)
			}
			center := provideCenter(cfg)
			controller := provideController(backend, center, logger)
			registry := provideRegistry(cfg, logger)

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go controller.Run(ctx)
			defer controller.Stop()

			return NewTopDashboard(center, registry).Run(ctx)
		},
	}
}
