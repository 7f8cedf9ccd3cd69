package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"credledger.org/internal/app"
	"credledger.org/internal/config"
	"credledger.org/internal/httpapi"
	"credledger.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CREDLEDGER_CONFIG"), "path to a YAML config file")
	flag.Parse()

	obs.Init()
	log := obs.Named("api")
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	obs.InitBuildInfo(version, commit, cfg.Ledger.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal("open engine", zap.Error(err))
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           engine.API(version).Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// no write timeout: /v1/events holds the response open
		IdleTimeout: 60 * time.Second,
	}

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, httpapi.NewGRPCServer(engine.ReadyProbe()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		log.Info("grpc health listening", zap.String("addr", cfg.GRPC.Addr))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gs.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("stopped")
}
