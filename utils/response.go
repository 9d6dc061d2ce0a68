package utils

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// APIResponse is the common envelope for CRM endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SuccessResponse wraps data in the standard envelope.
func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{Success: true, Data: data}
}

// ErrorResponse logs the underlying error and writes a uniform error body.
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":   c.Path(),
			"status": status,
		}).WithError(err).Warn(message)
	}
	return c.Status(status).JSON(APIResponse{Success: false, Error: message})
}
