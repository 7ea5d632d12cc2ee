package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/clusterui/realtime/internal/config"
	"github.com/clusterui/realtime/pkg/gateway"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/rest"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	bindRunFlags(v, cmd)
	return cmd
}

func bindRunFlags(v *viper.Viper, cmd *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	flags.String("listen", defaultConfig.Listen, "the host:port address to serve the gateway on")
	mustBindPFlag(v, config.ListenKey, flags.Lookup("listen"))

	flags.String("api-base-url", defaultConfig.API.BaseURL, "the REST API base url, including its /api prefix")
	mustBindPFlag(v, config.APIBaseURLKey, flags.Lookup("api-base-url"))

	flags.Duration("api-timeout", defaultConfig.API.Timeout, "the timeout of a single REST call")
	mustBindPFlag(v, config.APITimeoutKey, flags.Lookup("api-timeout"))

	flags.Int("api-max-conns-per-host", defaultConfig.API.MaxConnsPerHost, "the maximum number of connections to the REST API")
	mustBindPFlag(v, config.APIMaxConnsKey, flags.Lookup("api-max-conns-per-host"))

	flags.Duration("stream-poll-interval", defaultConfig.Stream.PollInterval, "the minimum delay between two iterations of a stream")
	mustBindPFlag(v, config.StreamPollKey, flags.Lookup("stream-poll-interval"))

	flags.Duration("stream-throttle", defaultConfig.Stream.Throttle, "the minimum spacing of changed values on a channel, negative to disable")
	mustBindPFlag(v, config.StreamThrottleKey, flags.Lookup("stream-throttle"))

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	mustBindPFlag(v, config.LogLevelKey, flags.Lookup("log-level"))

	flags.String("log-file", defaultConfig.Log.File, "append logs to this file instead of stdout")
	mustBindPFlag(v, config.LogFileKey, flags.Lookup("log-file"))

	flags.Duration("shutdown-timeout", defaultConfig.ShutdownTimeout, "how long to wait for in-flight requests on shutdown")
	mustBindPFlag(v, config.ShutdownTimeoutKey, flags.Lookup("shutdown-timeout"))
}

func run(ctx context.Context, cfg *config.Config) error {
	build := logger.NewBuild().Level(cfg.Log.Level)
	if cfg.Log.File != "" {
		build = build.FromPath(cfg.Log.File)
	}
	log, err := build.Make()
	if err != nil {
		return err
	}
	defer log.Close()

	adapter := rest.New(rest.Config{
		BaseURL:         cfg.API.BaseURL,
		Timeout:         cfg.API.Timeout,
		MaxConnsPerHost: cfg.API.MaxConnsPerHost,
		Logger:          log,
		OnCall:          gateway.ObserveRESTCall,
	})
	router := gateway.NewRouter(gateway.Config{
		Adapter:      adapter,
		Logger:       log,
		PollInterval: cfg.Stream.PollInterval,
		Throttle:     cfg.Stream.Throttle,
	})
	server := gateway.NewServer(router, log)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", "addr", cfg.Listen, "api", cfg.API.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("gateway shutting down")

		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
