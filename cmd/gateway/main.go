package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"gasplant.org/internal/config"
	"gasplant.org/internal/gateway"
	"gasplant.org/internal/keys"
	"gasplant.org/internal/obs"
	"gasplant.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().WithError(err).Fatal("gasplant-gateway stopped")
	}
}

func run() error {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	origin, err := cfg.ValidateGateway()
	if err != nil {
		return err
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("unknown log level, keeping info")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	limiter, closeLimiter, err := openLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	var verifier gateway.Verifier
	if cfg.GatewayVerify {
		ks, err := keys.ParsePublic(cfg.JWT.PublicKey)
		if err != nil {
			return err
		}
		codec, err := token.NewCodec(ks, token.WithIssuer(cfg.JWT.Issuer))
		if err != nil {
			return err
		}
		verifier = codec
	}

	pipeline := gateway.New(gateway.NewProxy(origin), limiter, verifier)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/gateway/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", otelhttp.NewHandler(pipeline, "gateway"))

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           obs.Instrument(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":   srv.Addr,
			"origin": origin.String(),
			"verify": cfg.GatewayVerify,
		}).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func openLimiter(cfg config.Config) (gateway.Limiter, func(), error) {
	if cfg.RateLimit.Driver != "redis" {
		return gateway.NewLocalLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL.Value())
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return gateway.NewRedisLimiter(client, cfg.RateLimit.Burst, time.Second), func() { _ = client.Close() }, nil
}
