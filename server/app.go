package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sesame/config"
	"sesame/internal/adminapi"
	"sesame/internal/audit"
	"sesame/internal/captcha"
	"sesame/internal/cleanup"
	"sesame/internal/db"
	"sesame/internal/health"
	"sesame/internal/logs"
	"sesame/internal/magiclink"
	"sesame/internal/middleware"
	"sesame/internal/models"
	"sesame/internal/principal"
	"sesame/internal/ratelimit"
	"sesame/internal/repo"
	"sesame/internal/sharelink"
	"sesame/internal/token"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server
	sweeper    *cleanup.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

// Identity provider здесь in-memory: внешний провайдер подставляется
// через Initialize-подобную точку при интеграции.
func (a *App) Initialize(cfg *config.Config) {
	a.InitializeWithProvider(cfg, principal.NewMemProvider())
}

func (a *App) InitializeWithProvider(cfg *config.Config, provider principal.Provider) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB */
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	a.db = d

	if err := a.db.AutoMigrate(
		&models.AccessToken{},
		&models.MagicLink{},
		&models.ShareLink{},
		&models.AttemptRecord{},
		&models.AuditEvent{}); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	/* 3) Домены: store → limiter/sink → менеджер и движки */
	tokens := repo.NewTokenStore(a.db)
	mlinks := repo.NewMagicLinkStore(a.db)
	slinks := repo.NewShareLinkStore(a.db)
	attempts := repo.NewAttemptStore(a.db)
	auditStore := repo.NewAuditStore(a.db)

	sink := audit.NewStoreSink(auditStore)
	limiter := ratelimit.New(attempts, a.cfg.Policy.MaxAttempts, a.cfg.Policy.LockoutWindow)

	mgr := token.NewManager(tokens, sink, provider, a.cfg)
	otp := token.NewVerifier(mgr, limiter)
	magic := magiclink.New(mlinks, tokens, mgr, limiter, sink, a.cfg)
	share := sharelink.New(slinks, tokens, sink, a.cfg)

	var botCheck captcha.Verifier
	if a.cfg.Captcha.Enabled {
		botCheck = captcha.NewHTTPVerifier(a.cfg)
	}

	/* 4) Фоновая уборка: шаги независимы, упавший не блокирует остальные */
	retention := time.Duration(a.cfg.Policy.RetentionDays) * 24 * time.Hour
	a.sweeper = cleanup.NewScheduler(a.cfg.Policy.CleanupInterval,
		cleanup.Task{Name: "expired_tokens", Run: func(ctx context.Context) error {
			n, err := mgr.CleanupExpired(ctx)
			if n > 0 {
				logs.Logger.Infof("cleanup: reclaimed %d expired tokens", n)
			}
			return err
		}},
		cleanup.Task{Name: "expired_magic_links", Run: func(ctx context.Context) error {
			_, err := mlinks.PurgeExpiredBefore(ctx, time.Now().UTC().Add(-a.cfg.Policy.LinkGrace))
			return err
		}},
		cleanup.Task{Name: "expired_share_links", Run: func(ctx context.Context) error {
			_, err := slinks.PurgeExpiredBefore(ctx, time.Now().UTC().Add(-a.cfg.Policy.LinkGrace))
			return err
		}},
		cleanup.Task{Name: "stale_attempts", Run: func(ctx context.Context) error {
			_, err := attempts.PurgeBefore(ctx, time.Now().UTC().Add(-a.cfg.Policy.LockoutWindow))
			return err
		}},
		cleanup.Task{Name: "audit_retention", Run: func(ctx context.Context) error {
			_, err := auditStore.PurgeBefore(ctx, time.Now().UTC().Add(-retention))
			return err
		}},
	)

	/* 5) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	health.RegisterRoutes(a.Router, a.db) // /healthz, /readyz

	adminapi.Attach(a.Router, adminapi.Dependencies{
		MGR:     mgr,
		OTP:     otp,
		MAGIC:   magic,
		SHARE:   share,
		LIMITER: limiter,
		AUDIT:   auditStore,
		CAPTCHA: botCheck,
		CFG:     a.cfg,
	})

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	go a.sweeper.Start(a.ctx)

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
