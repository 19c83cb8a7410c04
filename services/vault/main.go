package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultguard/internal/config"
	"github.com/vaultguard/internal/devicetrust"
	"github.com/vaultguard/internal/email"
	"github.com/vaultguard/internal/emergency"
	"github.com/vaultguard/internal/handler"
	"github.com/vaultguard/internal/logger"
	"github.com/vaultguard/internal/middleware"
	"github.com/vaultguard/internal/notify"
	"github.com/vaultguard/internal/push"
	"github.com/vaultguard/internal/repository"
	"github.com/vaultguard/internal/startup"
	"github.com/vaultguard/internal/storage"
	"github.com/vaultguard/internal/storage/memory"
	"github.com/vaultguard/internal/threat"
	"github.com/vaultguard/internal/vaultsession"
	"github.com/vaultguard/internal/ws"
	"github.com/vaultguard/migrations"
)

func main() {
	logger.SetPrefix("vault")
	migrate := flag.Bool("migrate", false, "run database migrations")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory pass store")
	flag.Parse()

	logger.Info("starting vault service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	var passStore storage.PassStore
	if *dev {
		passStore = memory.New()
	} else {
		passStore = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer passStore.Close()

	userRepo := repository.NewUserRepository(pool)
	deviceRepo := repository.NewDeviceRepository(pool)
	vaultRepo := repository.NewVaultRepository(pool)
	sessionRepo := repository.NewVaultSessionRepository(pool)
	emergencyRepo := repository.NewEmergencyRepository(pool)

	pushClient := push.NewClient(cfg.PushServiceURL)
	threatClient := threat.NewClient(cfg.ThreatServiceURL)

	// Hub продлевает сессии по activity-пингам, а менеджер сессий шлёт события
	// через hub. Цикл разрывается поздним подключением hub к fanout.
	events := notify.NewFanout()
	sessions := vaultsession.NewManager(sessionRepo, events, cfg.OpenTTL(), cfg.ExtendTTL())
	hub := ws.NewHub(vaultRepo, sessions, cfg.MaxWSConnections, pushClient)
	if *dev {
		events.Add(notify.Logged{Next: hub})
	} else {
		events.Add(hub)
	}

	emailSender := email.NewSender(&cfg.SMTP)
	if emailSender.Configured() {
		events.Add(notify.NewEmail(emailSender, vaultRepo))
		logger.Info("email notifications enabled")
	}

	registry := devicetrust.NewRegistry(deviceRepo, events, passStore)
	arbiter := emergency.NewArbiter(emergencyRepo, vaultRepo, passStore, threatClient, events, cfg.PassTTL())

	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sessions.Restore(restoreCtx); err != nil {
		logger.Errorf("restore sessions: %v", err)
		restoreCancel()
		os.Exit(1)
	}
	restoreCancel()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(bgCtx)
	}()
	sessions.StartSweep(bgCtx, cfg.SweepInterval())
	arbiter.StartExpiryMonitor(bgCtx, time.Minute)

	userH := handler.NewUserHandler(userRepo)
	deviceH := handler.NewDeviceHandler(registry)
	vaultH := handler.NewVaultHandler(vaultRepo, userRepo, sessions)
	emergencyH := handler.NewEmergencyHandler(arbiter, emergencyRepo, vaultRepo, userRepo, sessions)
	pushH := handler.NewPushHandler(pushClient)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Id", "X-Device-Id", "X-Device-Name", "X-Device-Model", "X-Device-Type", "X-Device-Os", "X-Device-Hardware"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	// Регистрация доступна до проверки устройства: новое устройство ещё не в реестре.
	r.Post("/api/users", userH.Create)
	r.Post("/api/devices/authorize", deviceH.Authorize)

	r.Group(func(r chi.Router) {
		r.Use(middleware.DeviceAuth(registry))
		r.Get("/api/users/me", userH.GetProfile)
		r.Put("/api/users/me/disable", userH.Disable)
		r.Get("/api/devices", deviceH.List)
		r.Delete("/api/devices/{id}", deviceH.Revoke)
		r.Post("/api/devices/{id}/lost", deviceH.MarkLost)
		r.Post("/api/devices/{id}/recover", deviceH.Recover)
		r.Post("/api/devices/attempts", deviceH.TrackAttempt)
		r.Post("/api/devices/transfer-irrevocable", deviceH.TransferIrrevocable)
		r.Post("/api/vaults", vaultH.Create)
		r.Get("/api/vaults", vaultH.List)
		r.Get("/api/vaults/sessions", vaultH.ActiveSessions)
		r.Post("/api/vaults/{id}/open", vaultH.Open)
		r.Post("/api/vaults/{id}/extend", vaultH.Extend)
		r.Post("/api/vaults/{id}/lock", vaultH.Lock)
		r.Get("/api/vaults/{id}/status", vaultH.Status)
		r.Post("/api/vaults/{id}/nominees", vaultH.AddNominee)
		r.Get("/api/vaults/{id}/nominees", vaultH.ListNominees)
		r.Post("/api/vaults/{id}/emergency", emergencyH.Request)
		r.Post("/api/vaults/{id}/emergency/redeem", emergencyH.Redeem)
		r.Get("/api/emergency/pending", emergencyH.Pending)
		r.Get("/api/emergency/{id}/recommendation", emergencyH.Recommendation)
		r.Post("/api/emergency/{id}/approve", emergencyH.Approve)
		r.Post("/api/emergency/{id}/deny", emergencyH.Deny)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files := []string{
		"001_init.sql", "002_devices.sql", "003_vault_sessions.sql", "004_emergency.sql",
	}
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			logger.Errorf("read migration %s: %v", f, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", f, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "vaultguard"
		password = "vaultguard_secret"
		database = "vaultguard"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
