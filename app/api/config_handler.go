package api

import (
	"github.com/gofiber/fiber/v2"

	"askpdf/config"
)

// ConfigHandler exposes the effective runtime settings without secrets.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

func (h *ConfigHandler) HandleGetConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"collection":       h.cfg.Collection,
		"dimensions":       h.cfg.Dimensions,
		"distance":         h.cfg.Distance,
		"vector_backend":   h.cfg.VectorBackend,
		"queue_backend":    h.cfg.QueueBackend,
		"embed_model":      h.cfg.EmbedModel,
		"chat_model":       h.cfg.ChatModel,
		"chunk_size":       h.cfg.ChunkSize,
		"chunk_overlap":    h.cfg.ChunkOverlap,
		"top_k":            h.cfg.TopK,
		"max_upload_bytes": h.cfg.MaxUploadBytes,
		"system_prompt":    h.cfg.SystemPrompt,
	})
}
