package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hokm-live/hokmd/internal/auth"
	"github.com/hokm-live/hokmd/internal/breaker"
	"github.com/hokm-live/hokmd/internal/config"
	"github.com/hokm-live/hokmd/internal/failover"
	"github.com/hokm-live/hokmd/internal/game"
	"github.com/hokm-live/hokmd/internal/session"
	"github.com/hokm-live/hokmd/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration error")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	st, err := store.NewRedisStore(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer st.Close()
	log.WithField("addr", cfg.RedisAddr).Info("connected to redis")

	guard := breaker.New(cfg.BreakerFailures, cfg.BreakerCooldown)

	manager := game.NewManager(st, guard, game.Options{
		InstanceID:     cfg.InstanceID,
		HandsToWin:     cfg.HandsToWin,
		LeaseTTL:       cfg.LeaseTTL,
		LeaseRenewFrac: cfg.LeaseRenewFrac,
	}, log)

	hub := session.NewHub(manager, cfg.ReconnectGrace, log)
	manager.SetSendFunc(hub.Send)

	var repo auth.UserRepo
	if cfg.DatabaseURL != "" {
		pg, err := auth.NewPostgresRepo(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		repo = pg
		log.Info("connected to postgres")
	} else {
		repo = auth.NewMemoryRepo()
		log.Warn("DATABASE_URL not set, accounts are in-memory only")
	}
	authSvc := auth.NewService(repo, []byte(cfg.JWTSecret), cfg.TokenTTL, log)

	controller := failover.NewController(st, manager, failover.Options{
		InstanceID:    cfg.InstanceID,
		Peers:         cfg.PeerAddrs,
		ProbeInterval: cfg.ProbeInterval,
		ProbeFailures: cfg.ProbeFailures,
	}, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", session.NewHandler(hub, authSvc))
	mux.HandleFunc("/healthz", failover.Healthz(cfg.InstanceID, manager))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr": cfg.ListenAddr, "instance": cfg.InstanceID,
		}).Info("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return controller.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
