package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/broadcast"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/config"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/engine"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/httpapi"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/kafka"
	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/persist"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/storage"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	level      slog.LevelVar
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Session cache and sync service",
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &opts.level})))
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config (optional)")
	cmd.AddCommand(newServeCommand(opts), newMigrateCommand(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	l, _ := config.ParseLevel(cfg.LogLevel)
	o.level.Set(l)
	return cfg, nil
}

func openPostgres(cfg *config.Config) (*storage.PG, error) {
	pg := cfg.Postgres
	return storage.New(storage.DSN(pg.Host, pg.Port, pg.User, pg.Password, pg.DB))
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the Postgres schema",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			pg, err := openPostgres(cfg)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the cache engine with its HTTP API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, opts *rootOptions) error {
	// Postgres
	pg, err := openPostgres(cfg)
	if err != nil {
		return err
	}
	defer pg.Close()
	if cfg.Postgres.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	// Snapshots
	snaps, err := persist.OpenSQLite(cfg.Cache.SnapshotPath)
	if err != nil {
		return err
	}
	defer snaps.Close()

	// Kafka change feed
	var feed engine.ChangeFeed
	if len(cfg.Kafka.Brokers) > 0 {
		slog.Info("connecting to kafka", "brokers", cfg.Kafka.Brokers)
		f := kafka.NewFeed(kafka.Config{
			Brokers:       cfg.Kafka.Brokers,
			SessionsTopic: cfg.Kafka.SessionsTopic,
			PaymentsTopic: cfg.Kafka.PaymentsTopic,
			GroupID:       cfg.Kafka.Group,
			DLQTopic:      cfg.Kafka.DLQTopic,
		})
		go func() {
			if err := f.Run(ctx); err != nil {
				slog.Error("feed stopped", "err", err)
			}
		}()
		defer f.Close()
		feed = f
	} else {
		slog.Warn("no kafka brokers configured, change feed disabled")
	}

	eng, err := engine.New(engine.Options{
		Remote:             pg,
		Persist:            snaps,
		Feed:               feed,
		Transport:          transport(cfg.Broadcast),
		TTL:                cfg.Cache.TTL,
		PreloadConcurrency: cfg.Cache.PreloadConcurrency,
		FetchTimeout:       cfg.Cache.FetchTimeout,
		OnDiagnostic: func(err error) {
			slog.Warn("cache diagnostic", "err", err)
		},
	})
	if err != nil {
		return err
	}
	defer eng.Teardown()

	if opts.configPath != "" {
		go func() {
			if err := config.WatchLevel(ctx, opts.configPath, &opts.level); err != nil {
				slog.Warn("config watch disabled", "err", err)
			}
		}()
	}

	var hub *broadcast.Hub
	if cfg.Broadcast.Hub {
		hub = broadcast.NewHub()
		defer hub.Close()
	}

	// HTTP
	api := httpapi.New(cfg.HTTP.Addr, eng, hub)
	errc := make(chan error, 1)
	go func() {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Bound after the listener starts so a websocket transport can reach a
	// hub served by this same process.
	if cfg.UserID != "" {
		if err := eng.Bind(ctx, cfg.UserID); err != nil {
			return err
		}
		go func() {
			now := time.Now()
			anchor := model.Period{Year: now.Year(), Month: now.Month()}
			if err := eng.Preload(ctx, anchor); err != nil {
				slog.Warn("initial preload incomplete", "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Shutdown(shutdownCtx)
}

var loopback = broadcast.NewLoopback()

func transport(cfg config.BroadcastConfig) engine.TransportFunc {
	switch cfg.Mode {
	case config.BroadcastNone:
		return nil
	case config.BroadcastWebsocket:
		base := strings.TrimRight(cfg.URL, "/")
		return func(user string) (broadcast.Transport, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c, err := broadcast.Dial(ctx, base+"/"+user)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	default:
		return func(user string) (broadcast.Transport, error) {
			return loopback.Join(user), nil
		}
	}
}
