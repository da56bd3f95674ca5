package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// HealthCheck reports service liveness for the load balancer.
func HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "referral-backend",
	})
}
