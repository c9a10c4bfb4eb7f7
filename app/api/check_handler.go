package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"askpdf/model"
	"askpdf/types"
)

type CheckHandler struct {
	models model.ModelLister
}

func NewCheckHandler(models model.ModelLister) *CheckHandler {
	return &CheckHandler{models: models}
}

func (h CheckHandler) HandleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "AskYourPDF Server", "status": "running"})
}

// HandleHealthy reports whether the generator backend answers.
func (h CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	models, err := h.models.ListModels(ctx)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(types.HealthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
	}
	return c.JSON(types.HealthResponse{
		Status: "healthy",
		Ollama: "connected",
		Models: len(models),
	})
}
