package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neonwatty/vibetunnel-sub007/internal/adapters/storage/memory"
	cfgpkg "github.com/neonwatty/vibetunnel-sub007/internal/infrastructure/config"
	httpapi "github.com/neonwatty/vibetunnel-sub007/internal/infrastructure/httpapi"
	obs "github.com/neonwatty/vibetunnel-sub007/internal/infrastructure/observability"
	"github.com/neonwatty/vibetunnel-sub007/internal/relay"
	"github.com/neonwatty/vibetunnel-sub007/internal/usecase"
)

func main() {
	cfg := cfgpkg.FromEnv()

	logger := obs.NewLogger(cfg.LogLevel)
	logger.Info().Str("addr", cfg.Addr).Str("peerSocket", cfg.PeerSocket).Msg("starting screen-relay")

	if cfg.AuthSecret == "" {
		logger.Fatal().Msg("AUTH_SECRET must be set; refusing to accept unauthenticated browsers")
	}

	metrics := obs.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if tp, err := obs.InitTracer(ctx, cfg.TelemetryEndpoint); err != nil {
		logger.Error().Err(err).Msg("tracing init failed")
	} else if tp != nil {
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			_ = tp.Shutdown(shCtx)
		}()
		logger.Info().Str("endpoint", cfg.TelemetryEndpoint).Msg("tracing enabled")
	}

	store := memory.NewStore(cfg.MaxSessions)
	sessions := usecase.NewSessionService(store)
	peer := relay.NewPeerManager(logger)
	monitor := httpapi.NewMonitorHub()
	hub := relay.NewHub(logger, metrics, sessions, peer, monitor, relay.Options{
		RequestTimeout:     cfg.RequestTimeout,
		SweepInterval:      cfg.SweepInterval,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		IdleSweepInterval:  cfg.IdleSweepInterval,
		MaxSessions:        cfg.MaxSessions,
	})
	go hub.Run(ctx)

	deps := &httpapi.Deps{Cfg: cfg, Logger: logger, Metrics: metrics, Hub: hub, Monitor: monitor}

	peerSrv := httpapi.NewPeerServer(logger, hub, cfg.PeerSocket)
	if err := peerSrv.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("peer socket bind failed")
	}
	go func() {
		if err := peerSrv.Serve(); err != nil {
			logger.Error().Err(err).Msg("peer server error")
			os.Exit(1)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	var tlsSrv *http.Server
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		tlsAddr := cfg.TLSAddr
		if tlsAddr == "" {
			tlsAddr = ":9443"
		}
		tlsSrv = &http.Server{
			Addr:              tlsAddr,
			Handler:           httpapi.NewRouter(deps),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", tlsAddr).Msg("starting TLS server")
			if err := tlsSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("tls server error")
				os.Exit(1)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if tlsSrv != nil {
		if err := tlsSrv.Shutdown(shCtx); err != nil {
			logger.Error().Err(err).Msg("tls server shutdown error")
		}
	}
	if err := peerSrv.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("peer server shutdown error")
	}
	logger.Info().Msg("screen-relay stopped")
}
