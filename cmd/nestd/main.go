package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/nest/internal/config"
	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/command"
	"github.com/trymwestin/nest/internal/core/device"
	"github.com/trymwestin/nest/internal/core/state"
	"github.com/trymwestin/nest/internal/core/stream"
	"github.com/trymwestin/nest/internal/core/transport"
	"github.com/trymwestin/nest/internal/httpapi"
	"github.com/trymwestin/nest/internal/metrics"
	"github.com/trymwestin/nest/internal/mqtt"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/data/nestd.yaml", "path to the YAML config file")
	envPath := flag.String("env", ".env", "optional .env file loaded before the environment overlay")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "nestd: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nestd: %v\n", err)
		return 1
	}

	log := newLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("nestd exited", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var store auth.TokenStore
	if cfg.Nest.AccessToken == "" {
		store = auth.NewFileTokenStore(cfg.TokenCache.Path)
	}
	authMgr := auth.NewManager(ctx, auth.Config{
		AuthorizeURL:   cfg.Nest.AuthorizeURL,
		TokenURL:       cfg.Nest.TokenURL,
		ProductVersion: cfg.Nest.ProductVersion,
		AccessToken:    cfg.Nest.AccessToken,
	}, store, log.With("component", "auth"))

	tree := state.NewTree()
	changes := state.NewSignal()
	bus := state.NewEventBus(log.With("component", "events"))
	m := metrics.New()

	var dialer transport.Dialer
	switch cfg.Stream.Transport {
	case "websocket":
		dialer = transport.NewWSDialer(log.With("component", "transport"))
	default:
		dialer = transport.NewSSEDialer(nil, log.With("component", "transport"))
	}

	client := stream.NewClient(stream.Config{
		URL:                    cfg.Stream.URL,
		BackoffBase:            cfg.Stream.BackoffBase,
		BackoffMax:             cfg.Stream.BackoffMax,
		StabilityWindow:        cfg.Stream.StabilityWindow,
		IdleTimeout:            cfg.Stream.IdleTimeout,
		MalformedSnapshotLimit: cfg.Stream.MalformedSnapshotLimit,
		MaxRedirects:           cfg.Stream.MaxRedirects,
	}, dialer, authMgr, tree, changes, log.With("component", "stream"),
		stream.WithRecorder(m),
		stream.WithEventBus(bus),
	)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := client.Stop(stopCtx); err != nil {
			log.Warn("stream stop", "error", err)
		}
	}()

	sink := command.NewSink(command.Config{
		BaseURL:          cfg.Nest.APIURL,
		MaxRetries:       cfg.Command.MaxRetries,
		DefaultRetryWait: cfg.Command.DefaultRetryWait,
		HTTPClient:       &http.Client{Timeout: cfg.Command.Timeout},
	}, authMgr, log.With("component", "command"))
	home := device.NewHome(tree, sink)

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewBridge(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
		}, tree, home, changes, bus, log.With("component", "mqtt"))
	} else {
		publisher = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	}
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("nestd: mqtt: %w", err)
	}
	defer func() {
		if err := publisher.Stop(context.Background()); err != nil {
			log.Warn("mqtt stop", "error", err)
		}
	}()

	api := httpapi.NewServer(ctx, httpapi.Deps{
		Auth:    authMgr,
		Stream:  client,
		Tree:    tree,
		Signal:  changes,
		Writer:  home,
		Metrics: m.Handler(),
	}, cfg.Nest.ClientID, cfg.Nest.ClientSecret, cfg.HTTP.CORSAll, log.With("component", "http"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := client.Start(ctx); err != nil {
		log.Warn("stream not started", "error", err, "auth_state", authMgr.State())
		if errors.Is(err, auth.ErrNotAuthorized) {
			logAuthorizeURL(authMgr, cfg.Nest, log)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("nestd: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		newObserver(authMgr, home, tree, changes, bus, m, log).run(gctx)
		return nil
	})

	return g.Wait()
}

func logAuthorizeURL(authMgr *auth.Manager, cfg config.NestConfig, log *slog.Logger) {
	u, err := authMgr.BeginAuthorization(cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		log.Warn("cannot build authorization URL", "error", err)
		return
	}
	log.Info("authorization required: open the URL, then POST the PIN to /api/auth/pin", "url", u)
}
