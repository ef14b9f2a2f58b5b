// Command notifywatch keeps a notification inbox in sync with the server and logs every
// change. It is the headless form of the client used by the mobile app.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/horohouse/notifysync/config"
	"github.com/horohouse/notifysync/internal/alert"
	"github.com/horohouse/notifysync/internal/auth"
	"github.com/horohouse/notifysync/internal/inbox"
	"github.com/horohouse/notifysync/internal/notification"
	"github.com/horohouse/notifysync/internal/websocket"
	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const userAgent = "notifywatch/1.0"

func main() {
	configPath := flag.String("config", "", "Optional YAML/JSON/TOML config file")
	flag.Parse()

	logger.InitLogger()
	log := logger.GetLogger()
	defer logger.Close()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadConfigFromFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := auth.NewStore()

	api := notification.NewClient(cfg.API.BaseURL, store,
		notification.WithTimeout(cfg.API.APITimeout()),
		notification.WithUserAgent(userAgent))
	transport := websocket.NewTransport(websocket.TransportConfigFrom(cfg.WebSocket), store)
	unsubscribeEvents := transport.OnAny(func(_ context.Context, ev types.LiveEvent) error {
		log.Debugw("Live event received", "type", ev.EventType())
		return nil
	})
	defer unsubscribeEvents()

	opts := []inbox.Option{
		inbox.WithPageSize(cfg.API.PageSize),
		inbox.WithMetrics(inbox.DefaultMetrics()),
	}
	if cfg.Alerts.Enabled {
		alerter, closeAlerts := newAlerter(ctx, cfg.Alerts, log)
		defer closeAlerts()
		opts = append(opts, inbox.WithAlerter(alerter))
	}

	controller := inbox.New(api, transport, opts...)
	unsubscribe := controller.Subscribe(func(s inbox.State) {
		log.Infow("Inbox updated",
			"notifications", len(s.Notifications),
			"unreadCount", s.UnreadCount,
			"connection", s.ConnectionState,
			"loading", s.IsLoading,
			"error", s.Error)
	})
	defer unsubscribe()

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Address, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnw("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		controller.Watch(ctx, store)
	}()

	log.Infow("Starting notification watcher",
		"apiURL", cfg.API.BaseURL,
		"wsURL", cfg.WebSocket.URL,
		"environment", cfg.Client.Environment,
		"token", logger.MaskJWT(cfg.Auth.AccessToken))
	if cfg.Auth.AccessToken != "" {
		store.Login(cfg.Auth.AccessToken)
	} else {
		log.Warn("No access token configured, waiting for shutdown")
		store.Logout()
	}

	<-ctx.Done()
	log.Info("Shutting down notification watcher")

	store.Logout()
	<-watchDone
	controller.Close()
}

func newAlerter(ctx context.Context, cfg config.AlertsConfig, log *zap.SugaredLogger) (*alert.Alerter, func()) {
	if cfg.RedisAddress == "" {
		return alert.NewAlerter(alert.NewLogNotifier(),
			alert.WithDeduper(alert.NewMemoryDeduper(cfg.DedupeTTL()))), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnw("Redis unreachable, alert dedupe will fail open", "address", cfg.RedisAddress, "error", err)
	}

	alerter := alert.NewAlerter(alert.NewLogNotifier(),
		alert.WithDeduper(alert.NewRedisDeduper(rdb, cfg.DedupeTTL())))
	return alerter, func() {
		if err := rdb.Close(); err != nil {
			log.Warnw("Failed to close redis client", "error", err)
		}
	}
}

func serveMetrics(addr string, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Metrics server failed", "error", err)
		}
	}()
	return srv
}
