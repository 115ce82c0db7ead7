package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
)

func main() {
	fs := flag.NewFlagSet("aero-mesh-client", flag.ContinueOnError)
	configPath := fs.String("config", "mesh-client.yaml", "Path to the client YAML config")
	autoConnect := fs.Bool("connect", true, "Start the mesh session once the relay has answered the join")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *autoConnect); err != nil {
		logger.Error("mesh client exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, autoConnect bool) error {
	kind, err := meshproto.ParsePeerKind(cfg.Kind)
	if err != nil {
		return err
	}

	var client *mesh.Client
	manager := mesh.NewManager(mesh.ManagerConfig{
		// The relay join is the link setup the session waits for.
		Handshaker: mesh.HandshakerFunc(func(ctx context.Context, peers []mesh.Peer) error {
			return client.Handshake(ctx, peers)
		}),
		Logger:            logger,
		HandshakeDelay:    cfg.HandshakeDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	defer manager.Close()

	client = mesh.NewClient(mesh.ClientConfig{
		RelayURL:   cfg.RelayURL,
		Username:   cfg.Username,
		Network:    cfg.Network,
		Kind:       kind,
		APIKey:     cfg.APIKey,
		Token:      cfg.Token,
		Origin:     cfg.Origin,
		Membership: manager,
		Signals: mesh.SignalHandlerFunc(func(env meshproto.Envelope) {
			logger.Info("signal received", "kind", env.Kind, "sender", env.Sender)
		}),
		Logger: logger,
	})

	unsubscribe := manager.Subscribe(snapshotLogger(logger))
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			err = errors.New("relay closed the connection")
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-client.Joined():
			logger.Info("joined mesh network", "id", client.Self(), "network", client.Network())
			if autoConnect {
				manager.Connect()
			}
		case <-gctx.Done():
		}
		<-gctx.Done()
		manager.Disconnect()
		_ = client.Close()
		return nil
	})
	return g.Wait()
}

// snapshotLogger logs state transitions at info and every other change at
// debug.
func snapshotLogger(logger *slog.Logger) func(mesh.Snapshot) {
	var last mesh.State
	return func(s mesh.Snapshot) {
		level := slog.LevelDebug
		if s.State != last {
			level = slog.LevelInfo
			last = s.State
		}
		logger.Log(context.Background(), level, "mesh session", "state", s.State, "peers", len(s.Peers))
		for _, p := range s.Peers {
			logger.Debug("mesh peer",
				"id", p.ID,
				"name", p.Name,
				"ip", p.Address,
				"status", p.Status,
				"latency_ms", p.LatencyMs,
				"traffic_in", p.TrafficIn,
				"traffic_out", p.TrafficOut,
			)
		}
	}
}
