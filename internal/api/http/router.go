package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-relay/internal/api/http/handlers"
	"github.com/spec-kit/support-relay/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Subscription   *handlers.SubscriptionHandler
	Payments       *handlers.PaymentHandler
	Webhooks       *handlers.WebhookHandler
	AuthMiddleware *auth.AuthMiddleware
	MiniAppDir     string
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	app.Post("/webhooks/cryptomus", cfg.Webhooks.Cryptomus)

	api := app.Group("/api/v1")
	api.Post("/auth/otp/request", cfg.Auth.RequestOTP)
	api.Post("/auth/otp/verify", cfg.Auth.VerifyOTP)
	api.Get("/payments/:order_id/return", cfg.Payments.Return)

	protected := api.Group("", cfg.AuthMiddleware.Handle)
	protected.Get("/subscription", cfg.Subscription.Get)
	protected.Get("/ratings/stats", cfg.Subscription.RatingStats)
	protected.Post("/payments", cfg.Payments.Create)
	protected.Get("/payments/:order_id", cfg.Payments.Status)

	if cfg.MiniAppDir != "" {
		// The app shell must not be cached so payment-state query params and
		// deploys take effect immediately.
		app.Use("/app", func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderCacheControl, "no-cache")
			return c.Next()
		})
		app.Static("/app", cfg.MiniAppDir)
	}
}
