package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	controller "github.com/place-to-stand/place-to-stand-portal-sub005/controllers"
	"github.com/place-to-stand/place-to-stand-portal-sub005/mailsync"
	"github.com/place-to-stand/place-to-stand-portal-sub005/middleware"
	"github.com/place-to-stand/place-to-stand-portal-sub005/worker"
)

// Deps carries the shared components routes need; built once in main.
type Deps struct {
	Engine     *mailsync.Engine
	Reconciler *mailsync.Reconciler
	Worker     *worker.SyncWorker
	Hub        *controller.SyncHub
}

func SetupAuthRoutes(app *fiber.App, db *gorm.DB) {
	authLogger := log.New(os.Stdout, "AUTH: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Auth routes group with logging middleware
	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", controller.Logout)
	protectedAuth.Post("/change-password", controller.ChangePassword)
	protectedAuth.Get("/me", controller.GetCurrentUser)

	authLogger.Println("Authentication routes initialized successfully")
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, deps Deps) {
	mailboxController := controller.NewMailboxController(db, deps.Engine, deps.Worker, log.New(os.Stdout, "MAILBOX: ", log.LstdFlags))
	threadController := controller.NewThreadController(db, deps.Reconciler, log.New(os.Stdout, "THREAD: ", log.LstdFlags))
	crmController := controller.NewCRMController(db, log.New(os.Stdout, "CRM: ", log.LstdFlags))
	dashboardController := controller.NewDashboardController(db, log.New(os.Stdout, "DASHBOARD: ", log.LstdFlags))

	// OAuth callback arrives from the provider without our session, so it
	// sits outside the protected group; the state token carries the user.
	app.Get("/api/v1/mailbox/connect/gmail/callback", mailboxController.GmailCallback)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Dashboard routes
	api.Get("/dashboard", dashboardController.GetDashboard)

	// Mailbox connection routes
	mailbox := api.Group("/mailbox")
	mailbox.Get("/connect/gmail", mailboxController.ConnectGmail)
	mailbox.Post("/connect/imap", mailboxController.ConnectIMAP)
	mailbox.Get("/connections", mailboxController.ListConnections)
	mailbox.Delete("/connections/:id", mailboxController.DisconnectConnection)
	mailbox.Post("/sync", middleware.ManualSyncLimiter(), mailboxController.SyncNow)

	// Thread routes
	threads := mailbox.Group("/threads")
	threads.Get("/", threadController.ListThreads)
	threads.Get("/:id", threadController.GetThread)
	threads.Put("/:id/read", threadController.MarkThreadRead)
	threads.Put("/:id/link", threadController.LinkThread)
	threads.Put("/:id/status", threadController.UpdateThreadStatus)

	// WebSocket route for live sync updates
	app.Get("/api/v1/mailbox/sync/ws", middleware.Protected(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return websocket.New(deps.Hub.HandleSyncWS)(c)
		}
		return fiber.ErrUpgradeRequired
	})

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", crmController.CreateLead)
	lead.Get("/", crmController.GetLeads)
	lead.Put("/:id", crmController.UpdateLead)
	lead.Delete("/:id", crmController.DeleteLead)

	// Client routes
	client := api.Group("/clients")
	client.Post("/", crmController.CreateClient)
	client.Get("/", crmController.GetClients)

	// Project routes
	project := api.Group("/projects")
	project.Post("/", crmController.CreateProject)
	project.Get("/", crmController.GetProjects)

	// Internal endpoints for the external scheduler
	internal := app.Group("/internal", middleware.JobSecret())
	internal.Get("/sync-job", mailboxController.SyncJob)

	// Billing webhook (verified by Stripe signature, not user auth)
	app.Post("/webhooks/stripe", controller.HandleStripeWebhook)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB, deps Deps) {
	// Initialize Stripe
	controller.InitStripe()

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db)
	SetupAPIRoutes(app, db, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
