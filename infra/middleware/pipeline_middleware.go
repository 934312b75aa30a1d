// Package middleware provides the fiber middleware for the ops HTTP surface.
package middleware

import (
	"fmt"
	"runtime/debug"
	"time"

	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorHandler is a centralized error handler for Fiber
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		response := ErrorResponse{
			Success:   false,
			RequestID: requestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		var status int

		switch e := err.(type) {
		case *apperr.AppError:
			status = e.Status
			response.Error = ErrorDetail{
				Code:    e.Code,
				Message: e.Message,
				Details: e.Details,
			}

			log := logger.WithField("request_id", requestID).
				WithField("error_code", e.Code).
				WithError(e.Err)

			if status >= 500 {
				log.Error("Internal error: %s", e.Message)
			} else {
				log.Warn("Client error: %s", e.Message)
			}

		case *fiber.Error:
			status = e.Code
			response.Error = ErrorDetail{
				Code:    mapHTTPStatusToCode(e.Code),
				Message: e.Message,
			}

		default:
			status = fiber.StatusInternalServerError
			response.Error = ErrorDetail{
				Code:    apperr.CodeInternalError,
				Message: "An unexpected error occurred",
			}

			logger.WithField("request_id", requestID).
				WithError(err).
				WithField("stack", string(debug.Stack())).
				Error("Unexpected error: %s", err.Error())
		}

		return c.Status(status).JSON(response)
	}
}

// RequestID middleware adds a unique request ID to each request
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs incoming requests and their responses
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID, _ := c.Locals("request_id").(string)

		err := c.Next()

		duration := time.Since(start)

		log := logger.WithFields(map[string]any{
			"request_id":  requestID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": float64(duration.Microseconds()) / 1000.0,
			"ip":          c.IP(),
		})

		status := c.Response().StatusCode()
		switch {
		case status >= 500:
			log.Error("Request failed: %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("Request error: %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("Request completed: %s %s -> %d", c.Method(), c.Path(), status)
		}

		return err
	}
}

// Recover middleware recovers from panics
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)

				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      fmt.Sprintf("%v", r),
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("Panic recovered")

				c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
					Success:   false,
					RequestID: requestID,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
					Error: ErrorDetail{
						Code:    apperr.CodeInternalError,
						Message: "An unexpected error occurred",
					},
				})
			}
		}()
		return c.Next()
	}
}

func mapHTTPStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeValidationFailed
	case 404:
		return apperr.CodeNotFound
	case 409:
		return apperr.CodeConflict
	case 500:
		return apperr.CodeInternalError
	case 502, 503, 504:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
