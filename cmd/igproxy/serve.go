package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"igproxy/pkg/auth"
	"igproxy/pkg/cache"
	"igproxy/pkg/config"
	"igproxy/pkg/imageproxy"
	"igproxy/pkg/instagram"
	"igproxy/pkg/logger"
	"igproxy/pkg/profile"
	"igproxy/pkg/ratelimit"
	"igproxy/pkg/server"
)

var (
	serveAddr         string
	serveAccount      string
	trustProxyHeaders bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Run the HTTP gateway until interrupted.

Configuration is read from (highest priority first):
  - Command line flags
  - Environment variables (IGPROXY_*), including a .env file
  - Configuration file
  - Default values

When a stored Instagram session exists (see 'igproxy auth login') it is
attached to upstream requests.`,
	Example: `  # Listen on all interfaces behind a reverse proxy
  igproxy serve --addr 0.0.0.0:8090 --trust-proxy-headers

  # Use a specific stored session
  igproxy serve --account gateway_bot`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default 127.0.0.1:8090)")
	serveCmd.Flags().StringVar(&serveAccount, "account", "", "stored Instagram account to use for upstream requests")
	serveCmd.Flags().BoolVar(&trustProxyHeaders, "trust-proxy-headers", false, "derive client addresses from X-Forwarded-For / X-Real-IP")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := globalFlags()
	if serveAddr != "" {
		flags["addr"] = serveAddr
	}
	if serveAccount != "" {
		flags["account"] = serveAccount
	}
	if cmd.Flags().Changed("trust-proxy-headers") {
		flags["trust-proxy-headers"] = trustProxyHeaders
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return err
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.GetLogger()
	log.WithField("version", version).Info("igproxy starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(cfg, log)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// buildServer wires every component from cfg
func buildServer(cfg *config.Config, log logger.Logger) (*server.Server, error) {
	clientOpts := instagram.Options{
		Timeout:     cfg.Upstream.Timeout,
		MaxAttempts: cfg.Upstream.MaxAttempts,
		UserAgent:   cfg.Upstream.UserAgent,
	}
	if rpm := cfg.Upstream.RequestsPerMinute; rpm > 0 {
		clientOpts.Limiter = ratelimit.NewTokenBucket(rpm, time.Minute)
	}
	client := instagram.NewClient(clientOpts, log)

	if cfg.Upstream.UseStoredSession {
		attachSession(client, cfg.Upstream.Account, log)
	}

	var metrics *server.Metrics
	if cfg.Server.EnableMetrics {
		metrics = server.NewMetrics()
	}

	var cacheOpts []cache.Option[string, profile.Record]
	if metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithEvictHook[string, profile.Record](func(string) {
			metrics.ObserveEviction()
		}))
	}
	profileCache := profile.NewCache(cfg.Cache.TTL, cfg.Cache.Capacity, cacheOpts...)

	var svcOpts []profile.Option
	if metrics != nil {
		svcOpts = append(svcOpts, profile.WithMetrics(metrics))
		metrics.RegisterCacheSize(profileCache.Len)
	}
	svc := profile.NewService(profile.NewInstagramFetcher(client), profileCache, log, svcOpts...)

	images := imageproxy.New(imageproxy.Options{
		Timeout:      cfg.ImageProxy.Timeout,
		AllowedHosts: cfg.ImageProxy.AllowedHosts,
	}, log)

	limiter := ratelimit.NewKeyedLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.MaxClients)

	return server.New(server.Deps{
		Config:   cfg.Server,
		Profiles: svc,
		Images:   images,
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   log,
		Background: []func(context.Context){
			func(ctx context.Context) { profileCache.Run(ctx, cfg.Cache.SweepInterval) },
		},
	})
}

// attachSession adds a stored session to client. A missing session is not an
// error; the gateway then works anonymously.
func attachSession(client *instagram.Client, account string, log logger.Logger) {
	manager, err := auth.NewManager("")
	if err != nil {
		log.WithError(err).Warn("credential storage unavailable, continuing without a session")
		return
	}

	creds, err := manager.Resolve(account)
	if err != nil {
		if errors.Is(err, auth.ErrCredentialsNotFound) && account == "" {
			log.Info("no stored Instagram session, continuing anonymously")
			return
		}
		log.WithError(err).WithField("account", account).Warn("failed to load Instagram session, continuing anonymously")
		return
	}

	client.SetSession(creds.SessionID, creds.CSRFToken)
	if creds.UserAgent != "" {
		client.SetHeader("User-Agent", creds.UserAgent)
	}
	log.WithField("account", creds.Username).Info("using stored Instagram session")
}
