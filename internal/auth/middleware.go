package auth

import (
	"strings"

	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/gofiber/fiber/v2"
)

const tokenInfoKey = "token_info"

// MiddlewareConfig configures request authentication.
type MiddlewareConfig struct {
	Manager *Manager

	// Exact paths served without a token
	PublicRoutes []string

	// Path prefixes served without a token
	PublicPrefixes []string
}

// DefaultMiddlewareConfig leaves health checks, token verification and the
// Prometheus scrape endpoint open.
func DefaultMiddlewareConfig(m *Manager) MiddlewareConfig {
	return MiddlewareConfig{
		Manager:        m,
		PublicRoutes:   []string{"/health", "/ready", "/api/v1/auth/verify"},
		PublicPrefixes: []string{"/metrics"},
	}
}

// NewMiddleware rejects requests without a valid token and stores the
// token's info for the permission guards. A nil Manager disables
// authentication.
func NewMiddleware(cfg MiddlewareConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Manager == nil || isPublic(cfg, c.Path()) {
			return c.Next()
		}

		metrics.Get().IncAuthRequests()
		token := ExtractToken(c)
		if token == "" {
			metrics.Get().IncAuthFailures()
			return unauthorized(c, "Authentication required")
		}
		info := cfg.Manager.VerifyToken(c.UserContext(), token)
		if info == nil {
			metrics.Get().IncAuthFailures()
			return unauthorized(c, "Invalid or expired token")
		}

		c.Locals(tokenInfoKey, info)
		return c.Next()
	}
}

func isPublic(cfg MiddlewareConfig, path string) bool {
	for _, route := range cfg.PublicRoutes {
		if path == route {
			return true
		}
	}
	for _, prefix := range cfg.PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

// RequirePermission allows the request only if its token grants p. With a
// nil Manager authentication is off and every request passes.
func RequirePermission(m *Manager, p Permission) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m == nil {
			return c.Next()
		}
		info := GetTokenInfo(c)
		if info == nil {
			return unauthorized(c, "Authentication required")
		}
		if !info.Has(p) {
			metrics.Get().IncAuthDenied()
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   "Permission denied: " + string(p) + " required",
			})
		}
		return c.Next()
	}
}

// RequireRead guards read-only catalog routes
func RequireRead(m *Manager) fiber.Handler { return RequirePermission(m, PermRead) }

// RequireWrite guards routes that create catalog objects
func RequireWrite(m *Manager) fiber.Handler { return RequirePermission(m, PermWrite) }

// RequireDelete guards routes that soft-delete catalog objects
func RequireDelete(m *Manager) fiber.Handler { return RequirePermission(m, PermDelete) }

// RequireAdmin guards checkpoint, audit and token management routes
func RequireAdmin(m *Manager) fiber.Handler { return RequirePermission(m, PermAdmin) }

// GetTokenInfo returns the verified token of the request, if any.
func GetTokenInfo(c *fiber.Ctx) *TokenInfo {
	info, _ := c.Locals(tokenInfoKey).(*TokenInfo)
	return info
}

// ExtractToken reads the token from "Authorization: Bearer", a bare
// Authorization header, or x-api-key, in that order.
func ExtractToken(c *fiber.Ctx) string {
	h := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if h != "" {
		return strings.TrimSpace(h)
	}
	return c.Get("x-api-key")
}
