package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ragchat/config"
	"ragchat/connection"
	"ragchat/metrics"
	"ragchat/orchestrator"
	"ragchat/router"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run chat sessions driven by actions on a Redis stream",
		Long: `serve consumes user actions from a Redis stream, runs one session per
session id and publishes every session snapshot on a Redis pub/sub channel.
Health and Prometheus metrics are served on --metrics-addr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().String("metrics-addr", "", "Address of the health and metrics server (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	streamURL, err := cfg.StreamEndpoint()
	if err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return errors.Wrap(err, "invalid redis url")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "failed to connect to redis")
	}
	log.Info().Str("redis", opts.Addr).Msg("connected to redis")

	metrics.Init()
	client := newBackendClient(cfg)
	ragConfig := fetchRAGConfig(ctx, client)
	pub := router.NewPublisher(rdb, cfg.Redis.StatePrefix, 256)

	sessions := router.NewSessions(func(sessionID string) (*orchestrator.Orchestrator, func(), error) {
		logger := log.Logger.With().Str("session_id", sessionID).Logger()
		stream := connection.NewManager(streamURL, connection.WithLogger(logger))
		sessionOpts := append(orchestratorOptions(cfg, sessionID, ragConfig), orchestrator.WithObserver(pub.Observer()))
		o := orchestrator.New(client, stream, sessionOpts...)
		for _, l := range cfg.Session.Labels {
			o.AddLabelFilter(l)
		}
		o.Reconnect()
		return o, func() { _ = stream.Close() }, nil
	})

	r := router.New(rdb, sessions,
		router.WithStream(cfg.Redis.ActionStream),
		router.WithConsumerGroup(cfg.Redis.ConsumerGroup, cfg.Redis.Consumer),
	)
	if err := r.EnsureConsumerGroup(ctx); err != nil {
		return err
	}

	srv := metrics.NewServer(cfg.Server.Addr, func() map[string]string {
		health := map[string]string{
			"sessions":          strconv.Itoa(len(sessions.IDs())),
			"dropped_snapshots": strconv.FormatInt(pub.Dropped(), 10),
			"redis":             "ok",
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			health["redis"] = err.Error()
		}
		health["backend"] = "ok"
		if err := client.Health(pingCtx); err != nil {
			health["backend"] = err.Error()
		}
		return health
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.ConsumeLoop(gctx) })
	g.Go(func() error { return pub.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("addr", cfg.Server.Addr).Str("stream", cfg.Redis.ActionStream).Msg("serving sessions")
	err = g.Wait()
	sessions.Wait()
	return err
}
