package api

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/auth"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// AuthHandler serves token verification and token management
type AuthHandler struct {
	authManager *auth.Manager
	logger      zerolog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authManager *auth.Manager, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authManager: authManager,
		logger:      logger.With().Str("component", "auth-handler").Logger(),
	}
}

// RegisterRoutes registers auth endpoints. Everything but verify needs an
// admin token.
func (h *AuthHandler) RegisterRoutes(app *fiber.App) {
	group := app.Group("/api/v1/auth")
	group.Get("/verify", h.verifyToken)

	admin := auth.RequireAdmin(h.authManager)
	group.Get("/tokens", admin, h.listTokens)
	group.Post("/tokens", admin, h.createToken)
	group.Get("/tokens/:id", admin, h.getToken)
	group.Delete("/tokens/:id", admin, h.deleteToken)
	group.Post("/tokens/:id/revoke", admin, h.revokeToken)
	group.Post("/tokens/:id/rotate", admin, h.rotateToken)
	group.Get("/cache/stats", admin, h.cacheStats)
	group.Post("/cache/invalidate", admin, h.invalidateCache)
}

// verifyToken handles GET /api/v1/auth/verify
func (h *AuthHandler) verifyToken(c *fiber.Ctx) error {
	token := auth.ExtractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"valid": false,
			"error": "No token provided",
		})
	}
	info := h.authManager.VerifyToken(c.UserContext(), token)
	if info == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"valid": false,
			"error": "Invalid or expired token",
		})
	}
	return c.JSON(fiber.Map{
		"valid":      true,
		"token_info": info,
	})
}

// CreateTokenRequest is the body of POST /api/v1/auth/tokens
type CreateTokenRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"` // omitted = read,write
	ExpiresIn   string   `json:"expires_in,omitempty"`  // "24h", "7d"
}

// parseExpiresIn accepts Go durations plus a whole-day "Nd" form.
func parseExpiresIn(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, errors.New("invalid day count")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

// createToken handles POST /api/v1/auth/tokens
func (h *AuthHandler) createToken(c *fiber.Ctx) error {
	var req CreateTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return badRequest(c, "Token name is required")
	}

	var perms []auth.Permission
	if req.Permissions != nil {
		var err error
		if perms, err = auth.ParsePermissions(req.Permissions); err != nil {
			return badRequest(c, err.Error())
		}
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := parseExpiresIn(req.ExpiresIn)
		if err != nil {
			return badRequest(c, "Invalid expires_in: use a duration like '24h' or '7d'")
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	token, info, err := h.authManager.CreateToken(c.UserContext(), req.Name, req.Description, perms, expiresAt)
	if err != nil {
		return h.tokenError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"token":      token,
		"token_info": info,
		"message":    "Store this token now; it cannot be shown again",
	})
}

// listTokens handles GET /api/v1/auth/tokens
func (h *AuthHandler) listTokens(c *fiber.Ctx) error {
	tokens, err := h.authManager.ListTokens(c.UserContext())
	if err != nil {
		return h.tokenError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    tokens,
		"count":   len(tokens),
	})
}

// getToken handles GET /api/v1/auth/tokens/:id
func (h *AuthHandler) getToken(c *fiber.Ctx) error {
	id, err := tokenID(c)
	if err != nil {
		return err
	}
	info, err := h.authManager.GetToken(c.UserContext(), id)
	if err != nil {
		return h.tokenError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": info})
}

// deleteToken handles DELETE /api/v1/auth/tokens/:id
func (h *AuthHandler) deleteToken(c *fiber.Ctx) error {
	id, err := tokenID(c)
	if err != nil {
		return err
	}
	if err := h.authManager.DeleteToken(c.UserContext(), id); err != nil {
		return h.tokenError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// revokeToken handles POST /api/v1/auth/tokens/:id/revoke
func (h *AuthHandler) revokeToken(c *fiber.Ctx) error {
	id, err := tokenID(c)
	if err != nil {
		return err
	}
	if err := h.authManager.RevokeToken(c.UserContext(), id); err != nil {
		return h.tokenError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// rotateToken handles POST /api/v1/auth/tokens/:id/rotate
func (h *AuthHandler) rotateToken(c *fiber.Ctx) error {
	id, err := tokenID(c)
	if err != nil {
		return err
	}
	token, err := h.authManager.RotateToken(c.UserContext(), id)
	if err != nil {
		return h.tokenError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"token":   token,
		"message": "Store this token now; it cannot be shown again",
	})
}

// cacheStats handles GET /api/v1/auth/cache/stats
func (h *AuthHandler) cacheStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"success": true, "data": h.authManager.CacheStats()})
}

// invalidateCache handles POST /api/v1/auth/cache/invalidate
func (h *AuthHandler) invalidateCache(c *fiber.Ctx) error {
	h.authManager.InvalidateCache()
	return c.JSON(fiber.Map{"success": true})
}

func tokenID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid token id")
	}
	return id, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

func (h *AuthHandler) tokenError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrTokenNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, auth.ErrTokenExists):
		status = fiber.StatusConflict
	case errors.Is(err, auth.ErrInvalidPermission):
		status = fiber.StatusBadRequest
	default:
		h.logger.Error().Err(err).Msg("Token operation failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
