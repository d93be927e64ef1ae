package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/emr-records-client/internal/config"
	"github.com/Sternrassler/emr-records-client/pkg/cache"
	"github.com/Sternrassler/emr-records-client/pkg/client"
	"github.com/Sternrassler/emr-records-client/pkg/logging"
	"github.com/Sternrassler/emr-records-client/pkg/pagination"
	"github.com/Sternrassler/emr-records-client/pkg/query"
	"github.com/Sternrassler/emr-records-client/pkg/ratelimit"
	"github.com/Sternrassler/emr-records-client/pkg/records"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "emr-proxy",
		Short: "Caching proxy for the medical-records API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(listCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the caching proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <resource>",
		Short: "Fetch one page of a resource and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			limit, _ := cmd.Flags().GetInt("limit")
			search, _ := cmd.Flags().GetString("search")
			all, _ := cmd.Flags().GetBool("all")

			var opts []query.Option
			if cmd.Flags().Changed("search") {
				opts = append(opts, query.WithSearch(search))
			}
			req, err := query.NewPaginationRequest(page, limit, opts...)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var out any
			if all {
				out, err = fetchAll(cmd.Context(), a.service, args[0], req)
			} else {
				var res pageResponse
				res, err = fetchPage(cmd.Context(), a.service, args[0], req)
				out = res.page
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().Int("limit", 10, "Page size")
	cmd.Flags().String("search", "", "Search filter")
	cmd.Flags().Bool("all", false, "Fetch every page")
	return cmd
}

// app holds the wired components shared by the commands.
type app struct {
	logger  zerolog.Logger
	redis   redis.UniversalClient
	cache   *cache.Manager
	client  *client.Client
	service *records.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.Setup(logging.Config{
		Level:   level,
		Pretty:  cfg.LogPretty,
		Service: "emr-proxy",
		Output:  os.Stderr,
	})

	a := &app{logger: logger}

	if cfg.HasRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = rdb
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	policies, err := cfg.Policies()
	if err != nil {
		a.Close()
		return nil, err
	}

	cacheLogger := logging.NewLogger("query-cache")
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Policies = policies
	cacheCfg.SweepInterval = cfg.CacheSweepInterval
	cacheCfg.Logger = &cacheLogger
	if a.redis != nil {
		cacheCfg.Store = cache.NewRedisStore(a.redis)
	}
	a.cache, err = cache.NewManager(cacheCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	clientLogger := logging.NewLogger("api-client")
	clientCfg := client.DefaultConfig(cfg.APIURL)
	clientCfg.UserAgent = cfg.UserAgent
	clientCfg.Timeout = cfg.RequestTimeout
	clientCfg.Logger = &clientLogger
	a.client, err = client.New(clientCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	tracker := ratelimit.NewTracker(a.redis, ratelimit.DefaultConfig(), logging.NewLogger("rate-limit"))

	opts := []records.Option{
		records.WithRateLimiter(tracker),
		records.WithPageConfig(pagination.Config{MaxConcurrency: cfg.PageConcurrency}),
		records.WithLogger(logging.NewLogger("records")),
	}
	if cfg.RetryEnabled {
		opts = append(opts, records.WithRetry(client.DefaultRetryPolicy()))
	}
	a.service, err = records.NewService(a.client, a.cache, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Close releases everything newApp opened.
func (a *app) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newServer(a.service, a.redis, logging.NewLogger("proxy")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("addr", srv.Addr).
			Str("api_url", cfg.APIURL).
			Bool("redis", cfg.HasRedis()).
			Msg("Starting emr proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
