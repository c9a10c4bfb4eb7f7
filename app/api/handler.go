package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"askpdf/app/agent"
	"askpdf/types"
)

// RequestHandler answers chat queries as a stream of NDJSON events.
type RequestHandler struct {
	agent  *agent.Agent
	base   context.Context
	logger *slog.Logger
}

// NewRequestHandler streams answers under base, which ends with the server.
func NewRequestHandler(base context.Context, a *agent.Agent) *RequestHandler {
	return &RequestHandler{
		agent:  a,
		base:   base,
		logger: slog.Default(),
	}
}

// HandleChat serves GET /chat?query=...
func (h *RequestHandler) HandleChat(c *fiber.Ctx) error {
	var params types.QueryParams
	if err := c.QueryParser(&params); err != nil {
		return ErrBadRequest()
	}
	return h.stream(c, &params)
}

// HandleRequest serves POST /api/v1/chat with a JSON body.
func (h *RequestHandler) HandleRequest(c *fiber.Ctx) error {
	var params types.QueryParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	return h.stream(c, &params)
}

func (h *RequestHandler) stream(c *fiber.Ctx, params *types.QueryParams) error {
	if errors := types.Validate(params); len(errors) > 0 {
		return ErrQueryRequired()
	}

	prepared, err := h.agent.Prepare(c.UserContext(), params.Query)
	if err != nil {
		return ErrUpstream(err)
	}

	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		err := h.agent.Stream(h.base, prepared, agent.NewLineSink(w, w.Flush))
		if err != nil && !errors.Is(err, types.ErrConsumerGone) {
			h.logger.Error("chat stream failed", "error", err)
		}
	})
	return nil
}
