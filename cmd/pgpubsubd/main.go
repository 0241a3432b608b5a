// Command pgpubsubd is a small daemon that listens on a set of PostgreSQL
// LISTEN/NOTIFY channels and logs every routed message. It exists to
// exercise pubsub.Session end to end, configured through cfgx rather than
// wired up by hand in a test.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DonsWayo/pg-pubsub/cfgx"
	"github.com/DonsWayo/pg-pubsub/pubsub"
)

type config struct {
	DSN string `desc:"PostgreSQL connection string"`

	// Channels is a comma-separated channel list; cfgx has no native slice
	// support, so the list is parsed by hand in main rather than walked as
	// a struct field.
	Channels string `desc:"comma-separated channel names to listen on"`

	SingleListener  bool          `default:"true" optional:"true"`
	RetryLimit      int           `default:"5" optional:"true"`
	RetryDelay      time.Duration `default:"2s" optional:"true"`
	AcquireInterval time.Duration `default:"5s" optional:"true"`

	LogLevel    string `default:"info" optional:"true"`
	MetricsAddr string `default:":9090" optional:"true" desc:"address for the Prometheus /metrics endpoint"`
}

func main() {
	var cfg config
	if err := cfgx.Parse(&cfg, cfgx.Options{
		ProgramName:   "pgpubsubd",
		EnvPrefix:     "PGPUBSUBD",
		ErrorHandling: flag.ExitOnError,
	}); err != nil {
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	channels := splitChannels(cfg.Channels)
	if len(channels) == 0 {
		logger.Fatal("no channels configured; set -channels or PGPUBSUBD_CHANNELS")
	}

	go serveMetrics(logger, cfg.MetricsAddr)

	opts := pubsub.NewOptions()
	opts.ConnString = cfg.DSN
	opts.SingleListener = cfg.SingleListener
	opts.RetryLimit = cfg.RetryLimit
	opts.RetryDelay = cfg.RetryDelay
	opts.AcquireInterval = cfg.AcquireInterval
	opts.Logger = logger

	session := pubsub.NewSession(opts)
	session.OnMessage(func(channel string, payload any) {
		logger.Info("message", zap.String("channel", channel), zap.Any("payload", payload))
	})
	session.OnListen(func(channel string) {
		logger.Info("became active listener", zap.String("channel", channel))
	})
	session.OnUnlisten(func(channels []string) {
		logger.Info("stopped listening", zap.Strings("channels", channels))
	})
	session.OnReconnect(func(retry int) {
		logger.Info("reconnected", zap.Int("attempts", retry))
	})
	session.OnError(func(err error) {
		logger.Warn("session error", zap.Error(err))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Connect(ctx); err != nil {
		logger.Fatal("connect", zap.Error(err))
	}

	for _, ch := range channels {
		if err := session.Listen(ctx, ch); err != nil {
			logger.Error("listen", zap.String("channel", ch), zap.Error(err))
		}
	}

	logger.Info("pgpubsubd ready", zap.Strings("channels", channels), zap.Bool("single_listener", cfg.SingleListener))
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.Destroy(shutdownCtx); err != nil {
		logger.Warn("destroy", zap.Error(err))
	}
}

func splitChannels(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newLogger(level string) (*zap.Logger, error) {
	var atomicLevel zap.AtomicLevel
	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	return cfg.Build()
}

func serveMetrics(logger *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
