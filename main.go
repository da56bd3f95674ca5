package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/cornerstone-re/referral-backend/database"
	"github.com/cornerstone-re/referral-backend/internal/handlers"
	"github.com/cornerstone-re/referral-backend/internal/jobs"
	"github.com/cornerstone-re/referral-backend/internal/models"
	"github.com/cornerstone-re/referral-backend/internal/routes"
	"github.com/cornerstone-re/referral-backend/internal/services"
	"github.com/cornerstone-re/referral-backend/internal/storage"
)

func main() {
	// Load .env file for local development
	if os.Getenv("INSTANCE_CONNECTION_NAME") == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("⚠️  No .env file found - relying on environment variables")
		}
	}

	cfg := services.LoadConfig()

	// Initialize storage
	var store storage.Store
	if os.Getenv("USE_MEMORY_STORE") == "true" {
		log.Println("⚠️  Using in-memory storage (not for production!)")
		store = storage.NewMemoryStore()
	} else {
		log.Println("📦 Connecting to PostgreSQL database...")
		database.Connect()

		log.Println("🔄 Running database migrations...")
		err := database.DB.AutoMigrate(
			&models.Tenant{},
			&models.Conversation{},
			&models.Turn{},
			&models.Lead{},
			&models.WebhookEvent{},
			&models.CampaignRun{},
		)
		if err != nil {
			log.Fatal("Failed to migrate database:", err)
		}

		store = storage.NewDatabaseStore(database.DB)
		log.Println("✅ Using PostgreSQL database storage")
	}

	// External collaborators
	twilioService, err := services.NewTwilioService()
	if err != nil {
		log.Fatal("Failed to initialize Twilio service:", err)
	}
	log.Println("✅ Twilio service initialized")

	engine, err := services.NewOpenAIEngine()
	if err != nil {
		log.Fatal("Failed to initialize language engine:", err)
	}
	log.Println("✅ Language engine initialized")

	// Core services
	guard := services.NewIdempotencyGuard(store)
	handoff := services.NewHandoffRouter(twilioService, cfg.AgentContact)
	machine := services.NewStateMachine(store, engine, handoff, cfg)
	scheduler := services.NewCampaignScheduler(store, machine, twilioService, cfg)

	// Scheduled blast + cleanup loops
	campaignJob := jobs.NewCampaignJob(scheduler, guard, cfg)
	campaignJob.Start()

	// HTTP surface
	app := fiber.New(fiber.Config{
		AppName: "Referral Backend v1.0.0",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	webhookHandler := handlers.NewWebhookHandler(store, machine, guard, twilioService, handoff, cfg.ExternalTimeout)
	adminHandler := handlers.NewAdminHandler(store, scheduler)
	routes.SetupRoutes(app, webhookHandler, adminHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("\n🛑 Gracefully shutting down...")
		campaignJob.Stop()
		_ = app.Shutdown()
	}()

	log.Printf("🚀 Referral backend starting on port %s", port)
	log.Fatal(app.Listen(":" + port))
}
