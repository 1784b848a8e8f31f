package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"fileshield/internal/metrics"
	"fileshield/internal/models"
)

// RateLimiter counts requests per caller in fixed windows
type RateLimiter interface {
	IncrementRateLimit(ctx context.Context, identity string, limit int, window time.Duration) (int64, bool, error)
}

// AuthConfig holds authentication middleware configuration
type AuthConfig struct {
	APIKey     string        // static API key; empty accepts any non-empty key
	Limiter    RateLimiter   // nil disables rate limiting
	RateLimit  int           // requests per window
	RateWindow time.Duration // rate limit window
	SkipPaths  []string      // path prefixes served without a key
	OnLimited  func()        // called for every rejected request
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(cfg AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()

		for _, p := range cfg.SkipPaths {
			if strings.HasPrefix(path, p) {
				return c.Next()
			}
		}

		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			auth := c.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
				Error: "Missing API key",
				Code:  fiber.StatusUnauthorized,
			})
		}

		if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(cfg.APIKey)) != 1 {
			log.Warn().
				Str("ip", c.IP()).
				Str("path", path).
				Msg("Invalid API key attempt")

			return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
				Error: "Invalid API key",
				Code:  fiber.StatusUnauthorized,
			})
		}

		keyHash := hashAPIKey(apiKey)

		if cfg.Limiter != nil && cfg.RateLimit > 0 {
			count, exceeded, err := cfg.Limiter.IncrementRateLimit(c.UserContext(), keyHash, cfg.RateLimit, cfg.RateWindow)
			switch {
			case err != nil:
				// Fail open
				log.Error().Err(err).Msg("Rate limit check failed")
			case exceeded:
				if cfg.OnLimited != nil {
					cfg.OnLimited()
				}
				c.Set("X-RateLimit-Limit", strconv.Itoa(cfg.RateLimit))
				c.Set("X-RateLimit-Remaining", "0")
				return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
					Error:   "Rate limit exceeded",
					Code:    fiber.StatusTooManyRequests,
					Details: "Please slow down your requests",
				})
			default:
				c.Set("X-RateLimit-Limit", strconv.Itoa(cfg.RateLimit))
				c.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, cfg.RateLimit-int(count))))
			}
		}

		c.Locals("api_key_hash", keyHash)

		return c.Next()
	}
}

// hashAPIKey creates a SHA256 hash of the API key
func hashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// RequestLogger logs every request and records its latency under the matched route
func RequestLogger(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		logEvent := log.Info()
		if status >= 400 {
			logEvent = log.Warn()
		}
		if status >= 500 {
			logEvent = log.Error()
		}

		logEvent.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", duration).
			Str("ip", c.IP()).
			Str("user_agent", c.Get("User-Agent")).
			Msg("HTTP request")

		if m != nil {
			m.RecordAPIRequest(c.Route().Path, c.Method(), status, duration.Seconds())
		}

		return err
	}
}

// RecoverMiddleware recovers from panics
func RecoverMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("path", c.Path()).
					Msg("Recovered from panic")

				err = c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
					Error: "Internal server error",
					Code:  fiber.StatusInternalServerError,
				})
			}
		}()

		return c.Next()
	}
}

// CORSMiddleware adds CORS headers
func CORSMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-User-ID")

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}

		return c.Next()
	}
}
