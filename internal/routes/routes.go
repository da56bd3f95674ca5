package routes

import (
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/cornerstone-re/referral-backend/internal/handlers"
	"github.com/cornerstone-re/referral-backend/internal/middleware"
)

// SetupRoutes configures all API routes.
func SetupRoutes(app *fiber.App, webhook *handlers.WebhookHandler, admin *handlers.AdminHandler) {
	app.Get("/health", handlers.HealthCheck)

	webhooks := app.Group("/webhook")
	if os.Getenv("ENVIRONMENT") == "development" || os.Getenv("DISABLE_WEBHOOK_VALIDATION") == "true" {
		// Development: skip signature validation for tunneled traffic.
		webhooks.Post("/sms", webhook.HandleInbound)
	} else {
		webhooks.Post("/sms", middleware.ValidateTwilioSignature(), webhook.HandleInbound)
	}

	adminGroup := app.Group("/admin")
	adminGroup.Post("/campaigns/run", admin.TriggerCampaign)
	adminGroup.Get("/campaigns", admin.ListCampaigns)
	adminGroup.Get("/leads", admin.ListLeads)
}
