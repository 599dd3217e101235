package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callern/internal/audit"
	"callern/internal/auth"
	"callern/internal/calls"
	"callern/internal/config"
	"callern/internal/history"
	"callern/internal/httpapi"
	"callern/internal/ledger"
	"callern/internal/media"
	"callern/internal/presence"
	"callern/internal/rooms"
	"callern/internal/signaling"
	"callern/pkg/logger"
	"callern/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env load failed", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := ledger.Migrate(rootCtx, db); err != nil {
		log.Error("ledger migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reg := presence.NewRegistry(presence.NewRedisStore(rdb), log)
	if err := reg.LoadOverrides(rootCtx); err != nil {
		log.Error("availability overrides load failed", "err", err)
		os.Exit(1)
	}

	auditSvc := audit.NewService(audit.NewLogRepo(log))
	ledgerSvc := ledger.NewService(ledger.NewPostgresRepo(db), log)

	// The hub is the notifier for both state machines, so it comes first.
	hub := signaling.NewHub(log)
	roomMgr := rooms.NewManager(rooms.Deps{
		Ledger:   ledgerSvc,
		Presence: reg,
		Notifier: hub,
		Media:    media.NewLogTransport(log),
		History:  history.NewRecorder(cfg.History, log),
		Slots:    rooms.NewRedisSlots(rdb, cfg.Call.SlotTTL),
		Audit:    auditSvc,
	}, cfg.Call, log)
	negotiator := calls.NewNegotiator(calls.Deps{
		Presence: reg,
		Ledger:   ledgerSvc,
		Rooms:    roomMgr,
		Notifier: hub,
		Audit:    auditSvc,
	}, cfg.Call, log)
	dispatcher := signaling.NewDispatcher(hub, negotiator, roomMgr, reg, auditSvc, log)
	wsServer := signaling.NewServer(hub, dispatcher, reg, negotiator, roomMgr, signaling.Options{
		Grace: cfg.Call.DisconnectGrace,
	}, log)
	defer wsServer.Close()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, authManager, wsServer, httpapi.Handlers{
		Auth:     authManager,
		Ledger:   ledgerSvc,
		Presence: reg,
		Rooms:    roomMgr,
		Audit:    auditSvc,
		DevLogin: !cfg.IsProduction() && cfg.App.Env != "staging",
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: signaling channels are long-lived hijacked connections.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Rooms settle first so both parties still get room-ended on their channels.
	if n := roomMgr.Shutdown(shutdownCtx); n > 0 {
		log.Info("active rooms ended", "count", n)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
