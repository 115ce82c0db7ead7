package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-mesh-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"default_network", cfg.DefaultNetwork,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /readyz will report not ready", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}
	srv.RequireAuth(authz)

	m := metrics.New()
	reg := registry.New(registry.Config{
		DefaultNetwork: cfg.DefaultNetwork,
		Logger:         logger,
		Metrics:        m,
	})
	defer reg.Close()
	unsubscribe := reg.Subscribe(logMembershipEvent(logger))
	defer unsubscribe()

	sig := signaling.NewServer(signaling.Config{
		Registry:                  reg,
		Authorizer:                authz,
		Origins:                   cfg.OriginPolicy(),
		Metrics:                   m,
		Logger:                    logger,
		AuthTimeout:               cfg.SignalingAuthTimeout,
		IdleTimeout:               cfg.SignalingWSIdleTimeout,
		PingInterval:              cfg.SignalingWSPingInterval,
		MaxMessageBytes:           cfg.MaxSignalingMessageBytes,
		MessagesPerSecond:         cfg.MaxSignalingMessagesPerSecond,
		BytesPerSecond:            cfg.MaxSignalingBytesPerSecond,
		SignalsPerSecondPerTarget: cfg.MaxSignalsPerSecondPerTarget,
		SendQueueLen:              cfg.SignalingSendQueueLen,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked signaling connections are not tracked by http.Server;
		// close them explicitly so peers see "going away".
		sig.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func logMembershipEvent(logger *slog.Logger) func(registry.Event) {
	return func(ev registry.Event) {
		logger.Info("mesh membership changed",
			"event", ev.Type,
			"network", ev.Network,
			"peer_id", ev.Peer.ID,
			"peer_name", ev.Peer.Name,
			"peer_kind", ev.Peer.Kind,
		)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
