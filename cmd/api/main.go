package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/config"
	"gasplant.org/internal/httpapi"
	"gasplant.org/internal/keys"
	"gasplant.org/internal/obs"
	"gasplant.org/internal/session"
	"gasplant.org/internal/store/pg"
	"gasplant.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	log := obs.Logger()
	if err := run(); err != nil {
		log.WithError(err).Fatal("gasplant-api stopped")
	}
}

func run() error {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateAPI(); err != nil {
		return err
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("unknown log level, keeping info")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ks, err := keys.Parse(cfg.JWT.PrivateKey.Value(), cfg.JWT.PublicKey)
	if err != nil {
		return err
	}
	codec, err := token.NewCodec(ks, token.WithIssuer(cfg.JWT.Issuer))
	if err != nil {
		return err
	}

	store, err := pg.Open(cfg.PG.DSN.Value())
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, closeSessions, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	svc, err := auth.NewService(store, codec, sessions,
		auth.WithAccessTTL(cfg.JWT.AccessTTL),
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL),
		auth.WithAccessCode(cfg.InitAccessCode.Value()),
		auth.WithBcryptCost(cfg.BcryptCost),
	)
	if err != nil {
		return err
	}

	sweeper, err := auth.NewSweeper(store, cfg.TokenSweepSchedule, nil)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: store.DB(), Sessions: sessions}
	api := httpapi.New(svc, probe, version)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		sweeper.Start()
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		sweeper.Stop(shutdownCtx)
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	log.Info("stopped")
	return nil
}

func openSessions(cfg config.Config) (session.Cache, func(), error) {
	if cfg.Session.Driver == "memory" {
		return session.NewMemoryCache(cfg.Session.Capacity, cfg.JWT.AccessTTL), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL.Value())
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return session.NewRedisCache(client), func() { _ = client.Close() }, nil
}
