package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gatehouse-proxy/gatehouse/internal/acme"
	"github.com/gatehouse-proxy/gatehouse/internal/api/handlers"
	"github.com/gatehouse-proxy/gatehouse/internal/api/routes"
	"github.com/gatehouse-proxy/gatehouse/internal/certs"
	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/database"
	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/proxy"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
	"github.com/gatehouse-proxy/gatehouse/internal/stats"
	"github.com/gatehouse-proxy/gatehouse/internal/streams"
	"github.com/gatehouse-proxy/gatehouse/internal/version"
)

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	logger.InitWithRotation(cfg.Environment != "production", cfg.LogDir)
	log := logger.Log()
	log.WithFields(logrus.Fields{
		"version": version.Full(),
		"env":     cfg.Environment,
	}).Info("starting gatehouse")

	if len(os.Args) > 1 && os.Args[1] == "reset-password" {
		return resetPassword(cfg, os.Args[2:])
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Error("open database")
		return 2
	}
	if err := routes.Migrate(db); err != nil {
		log.WithError(err).Error("migrate database")
		return 2
	}

	catalog, err := certs.NewCatalog(cfg.CertDir)
	if err != nil {
		log.WithError(err).Error("init certificate catalog")
		return 2
	}

	publisher := snapshot.NewPublisher(db)
	publisher.Subscribe(func(old, new *snapshot.Snapshot) {
		catalog.Rebuild(new.Certificates)
	})

	forwarder := streams.NewForwarder()
	publisher.Subscribe(func(old, new *snapshot.Snapshot) {
		forwarder.Apply(snapshot.DiffStreams(old, new))
	})

	notifier := services.NewNotificationService(db)
	worker := acme.NewWorker(db, cfg, catalog, publisher, notifier)

	collector := stats.NewCollector()
	flusher := stats.NewFlusher(db, collector)

	if err := publisher.Reconcile(); err != nil {
		log.WithError(err).Error("build initial configuration")
		return 2
	}

	accessLog := logger.NewAccessLogger(cfg.LogDir)
	engine := proxy.NewEngine(cfg, publisher, worker.Tokens(), collector, accessLog)
	proxySrv := proxy.NewServer(cfg, engine, catalog)

	errChan := make(chan error, 4)
	if err := proxySrv.Start(errChan); err != nil {
		log.WithError(err).Error("bind proxy listeners")
		return 1
	}

	deps := &handlers.Deps{
		DB:        db,
		Cfg:       cfg,
		Publisher: publisher,
		Catalog:   catalog,
		Worker:    worker,
		Collector: collector,
		Forwarder: forwarder,
		Audit:     services.NewAuditService(db),
		Auth:      services.NewAuthService(db, cfg),
		Logs:      services.NewLogService(cfg),
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	routes.Register(router, deps)

	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin server: %w", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", worker.ScanRenewals); err != nil {
		log.WithError(err).Error("schedule renewal scan")
		return 2
	}
	if _, err := scheduler.AddFunc("* * * * *", flusher.Flush); err != nil {
		log.WithError(err).Error("schedule stats flush")
		return 2
	}
	scheduler.Start()

	log.WithFields(logrus.Fields{
		"http":  cfg.HTTPAddr,
		"https": cfg.HTTPSAddr,
		"admin": cfg.AdminAddr,
	}).Info("gatehouse ready")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-signals:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errChan:
		log.WithError(err).Error("listener failed")
		exitCode = 1
	}

	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	proxySrv.Shutdown(shutdownCtx)
	forwarder.Close()
	flusher.Flush()

	select {
	case <-worker.Done():
	case <-shutdownCtx.Done():
	}

	log.Info("shutdown complete")
	return exitCode
}

// resetPassword handles the reset-password CLI subcommand, a break-glass
// path for operators locked out of the UI.
func resetPassword(cfg config.Config, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: gatehouse reset-password <email> <new-password>")
		return 2
	}
	email, password := args[0], args[1]

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 2
	}

	var user models.User
	if err := db.Where("email = ?", email).First(&user).Error; err != nil {
		fmt.Fprintf(os.Stderr, "find user %s: %v\n", email, err)
		return 1
	}
	if err := user.SetPassword(password); err != nil {
		fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
		return 1
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	if err := db.Save(&user).Error; err != nil {
		fmt.Fprintf(os.Stderr, "save user: %v\n", err)
		return 1
	}

	fmt.Printf("password reset for %s\n", email)
	return 0
}
