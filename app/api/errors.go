package api

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

func ErrorHandler(c *fiber.Ctx, err error) error {
	var apiError Error
	if errors.As(err, &apiError) {
		return c.Status(apiError.Code).JSON(apiError)
	}

	apiError = NewError(fiber.StatusInternalServerError, "internal", "internal server error")
	var fiberError *fiber.Error
	if errors.As(err, &fiberError) {
		apiError = NewError(fiberError.Code, reasonFor(fiberError.Code), fiberError.Message)
	}
	if apiError.Code >= fiber.StatusInternalServerError {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "code", apiError.Code, "error", err)
	}
	return c.Status(apiError.Code).JSON(apiError)
}

// Error is the body of every non-streamed error response. Reason is a
// stable machine-readable tag, Message is for humans.
type Error struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"error"`
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, reason, msg string) Error {
	return Error{
		Code:    code,
		Reason:  reason,
		Message: msg,
	}
}

func reasonFor(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusRequestEntityTooLarge:
		return "file_too_large"
	default:
		return "internal"
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Reason:  "bad_request",
		Message: "invalid JSON request",
	}
}

func ErrInvalidID() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Reason:  "invalid_id",
		Message: "invalid id given",
	}
}

func ErrNotFound[T any](arg T, resource string) Error {
	return Error{
		Code:    fiber.StatusNotFound,
		Reason:  "not_found",
		Message: fmt.Sprintf("%s with %v not found", resource, arg),
	}
}

func ErrFileRequired() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Reason:  "file_required",
		Message: "a PDF file is required in the 'pdf' form field",
	}
}

func ErrUnsupportedMedia(detected string) Error {
	return Error{
		Code:    fiber.StatusUnsupportedMediaType,
		Reason:  "unsupported_media_type",
		Message: fmt.Sprintf("only PDF files are accepted, got %s", detected),
	}
}

func ErrFileTooLarge(limit int64) Error {
	msg := "file too large"
	if limit > 0 {
		msg = fmt.Sprintf("file too large, the limit is %d bytes", limit)
	}
	return Error{
		Code:    fiber.StatusRequestEntityTooLarge,
		Reason:  "file_too_large",
		Message: msg,
	}
}

func ErrQueryRequired() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Reason:  "query_required",
		Message: "query parameter is required",
	}
}

func ErrUpstream(err error) Error {
	return Error{
		Code:    fiber.StatusBadGateway,
		Reason:  "retrieval_failed",
		Message: err.Error(),
	}
}
