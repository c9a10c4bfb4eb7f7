package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RequestLogger logs one line per request. Paths under skipPrefix (health
// checks) are only logged when they fail.
func RequestLogger(logger *slog.Logger, skipPrefix string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		chainErr := c.Next()
		if chainErr != nil {
			// Render the error now so the logged status is the one sent.
			if err := c.App().ErrorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		path := c.Path()
		if skipPrefix != "" && strings.HasPrefix(path, skipPrefix) && status < 400 {
			return nil
		}

		attrs := []any{
			"method", c.Method(),
			"path", path,
			"status", status,
			"took", time.Since(start),
			"ip", c.IP(),
		}
		if chainErr != nil {
			attrs = append(attrs, "error", chainErr)
		}
		logger.Info("request", attrs...)
		return nil
	}
}
