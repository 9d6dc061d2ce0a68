package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/place-to-stand/place-to-stand-portal-sub005/config"
	controller "github.com/place-to-stand/place-to-stand-portal-sub005/controllers"
	"github.com/place-to-stand/place-to-stand-portal-sub005/mailsync"
	"github.com/place-to-stand/place-to-stand-portal-sub005/middleware"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/routes"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
	"github.com/place-to-stand/place-to-stand-portal-sub005/worker"
)

func main() {
	logger := log.New(os.Stdout, "PORTAL: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if config.AppConfig.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Build the sync stack: token vault, provider clients, engine, worker.
	vault := mailsync.NewTokenVault(config.DB)
	clients := map[string]mailsync.Client{
		models.ProviderGmail: mailsync.NewGmailClient(vault),
		models.ProviderIMAP:  mailsync.NewIMAPClient(),
	}

	engine := mailsync.NewEngine(config.DB, clients, mailsync.Options{
		BatchSize:  config.AppConfig.Sync.BatchSize,
		Lookback:   time.Duration(config.AppConfig.Sync.LookbackDays) * 24 * time.Hour,
		MaxRetries: config.AppConfig.Sync.MaxRetries,
	})

	hub := controller.NewSyncHub()
	engine.OnResult(hub.Publish)
	engine.OnReauth(func(conn *models.EmailConnection) {
		var user models.User
		if err := config.DB.First(&user, conn.UserID).Error; err != nil {
			logger.Printf("Reauth notice skipped, user %d not found: %v", conn.UserID, err)
			return
		}
		if err := utils.SendReauthNotice(user.Email, conn.Provider, conn.ProviderEmail); err != nil {
			logger.Printf("Failed to send reauth notice to %s: %v", user.Email, err)
		}
	})

	reconciler := mailsync.NewReconciler(config.DB, clients)
	syncWorker := worker.NewSyncWorker(
		config.DB,
		engine,
		log.New(os.Stdout, "SYNC: ", log.LstdFlags),
		config.AppConfig.Sync.Interval,
		config.AppConfig.Sync.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		syncWorker.Start(ctx)
	}()

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, config.DB, routes.Deps{
		Engine:     engine,
		Reconciler: reconciler,
		Worker:     syncWorker,
		Hub:        hub,
	})

	// Graceful shutdown: stop the worker loop, then drain the server.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Println("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	}()

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	// Wait for the worker loop so an in-flight sync pass finishes its
	// current batch instead of dying mid-transaction.
	cancel()
	<-workerDone
}
