package api

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"askpdf/store"
	"askpdf/types"
)

// FileHandler accepts PDF uploads and hands them to the ingestion queue.
type FileHandler struct {
	queue     store.JobQueue
	uploadDir string
	maxBytes  int64
	logger    *slog.Logger
}

func NewFileHandler(queue store.JobQueue, uploadDir string, maxBytes int64) *FileHandler {
	return &FileHandler{
		queue:     queue,
		uploadDir: uploadDir,
		maxBytes:  maxBytes,
		logger:    slog.Default(),
	}
}

func (h *FileHandler) formFile(c *fiber.Ctx) (*multipart.FileHeader, error) {
	for _, field := range []string{"pdf", "file"} {
		if fh, err := c.FormFile(field); err == nil {
			return fh, nil
		}
	}
	return nil, ErrFileRequired()
}

func sniff(fh *multipart.FileHeader) (*mimetype.MIME, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mimetype.DetectReader(f)
}

func (h *FileHandler) HandleUploadPDF(c *fiber.Ctx) error {
	fh, err := h.formFile(c)
	if err != nil {
		return err
	}
	if fh.Size > h.maxBytes {
		return ErrFileTooLarge(h.maxBytes)
	}
	if fh.Size == 0 {
		return ErrUnsupportedMedia("an empty file")
	}

	mtype, err := sniff(fh)
	if err != nil {
		return err
	}
	if !mtype.Is("application/pdf") {
		return ErrUnsupportedMedia(mtype.String())
	}

	original := filepath.Base(fh.Filename)
	id := uuid.New()
	path := filepath.Join(h.uploadDir, types.StoredFilename(id, original))
	if err := c.SaveFile(fh, path); err != nil {
		return err
	}

	job := types.IngestionJob{
		ID:             id,
		SourceFilename: original,
		SourcePath:     path,
		DestinationDir: h.uploadDir,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := h.queue.Enqueue(c.UserContext(), job); err != nil {
		_ = os.Remove(path)
		return err
	}
	h.logger.Info("file uploaded", "file", original, "job_id", id, "bytes", fh.Size)

	return c.JSON(types.UploadResponse{
		Message:  "PDF uploaded successfully",
		Filename: original,
		JobID:    id.String(),
	})
}

func (h *FileHandler) HandleGetJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	info, err := h.queue.Status(c.UserContext(), id)
	if errors.Is(err, types.ErrJobNotFound) {
		return ErrNotFound(id, "job")
	}
	if err != nil {
		return err
	}
	return c.JSON(info)
}
