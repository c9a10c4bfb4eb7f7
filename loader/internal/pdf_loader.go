package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"askpdf/model"
	"askpdf/types"
)

// PDFExtractor turns a PDF into markdown text. pdfcpu checks the file and
// optionally crops running headers and footers; docling-serve does the
// actual text extraction.
type PDFExtractor struct {
	doclingURL string
	client     *http.Client
	cropTop    float64
	cropBottom float64
	describer  model.ImageDescriber
	logger     *slog.Logger
}

type ExtractorConfig struct {
	DoclingURL string
	CropTop    float64
	CropBottom float64
	Timeout    time.Duration
	// Describer, when set, replaces embedded images with their description.
	Describer model.ImageDescriber
}

type doclingResponse struct {
	Document struct {
		MdContent string `json:"md_content"`
	} `json:"document"`
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

func NewPDFExtractor(cfg ExtractorConfig, logger *slog.Logger) *PDFExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &PDFExtractor{
		doclingURL: strings.TrimRight(cfg.DoclingURL, "/"),
		client:     &http.Client{Timeout: timeout},
		cropTop:    cfg.CropTop,
		cropBottom: cfg.CropBottom,
		describer:  cfg.Describer,
		logger:     logger,
	}
}

func (e *PDFExtractor) Extract(ctx context.Context, path string) (string, error) {
	conf := api.LoadConfiguration()
	if err := api.ValidateFile(path, conf); err != nil {
		return "", fmt.Errorf("%w: %s: %v", types.ErrInvalidDocument, filepath.Base(path), err)
	}
	pages, err := api.PageCountFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: count pages of %s: %v", types.ErrInvalidDocument, filepath.Base(path), err)
	}
	if pages == 0 {
		return "", types.ErrNoContent
	}
	e.logger.Debug("pdf validated", "file", filepath.Base(path), "pages", pages)

	src := path
	if e.cropTop > 0 || e.cropBottom > 0 {
		cropped, err := os.CreateTemp("", "askpdf-crop-*.pdf")
		if err != nil {
			return "", fmt.Errorf("create crop file: %w", err)
		}
		cropped.Close()
		defer os.Remove(cropped.Name())

		if err := RemoveHeaderFooterCrop(path, cropped.Name(), e.cropTop, e.cropBottom); err != nil {
			return "", err
		}
		src = cropped.Name()
	}

	md, err := e.convertPDFToMD(ctx, src, filepath.Base(path))
	if err != nil {
		return "", err
	}
	if e.describer != nil {
		md = e.describeImages(ctx, md)
	}
	return cleanMarkdown(md), nil
}

func (e *PDFExtractor) convertPDFToMD(ctx context.Context, path, name string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.WriteField("to_formats", "md"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.doclingURL+"/v1/convert/file", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("docling convert: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("docling convert: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docling convert: status %d: %s", resp.StatusCode, body)
	}

	var d doclingResponse
	if err := json.Unmarshal(body, &d); err != nil {
		return "", fmt.Errorf("docling convert: decode response: %w", err)
	}
	if d.Status == "failure" {
		return "", fmt.Errorf("%w: docling could not convert %s: %s", types.ErrInvalidDocument, name, strings.Join(d.Errors, "; "))
	}
	e.logger.Debug("docling conversion finished", "file", name, "took", time.Since(start))
	return d.Document.MdContent, nil
}

var (
	imgRegex        = regexp.MustCompile(`!\[[^\]]*\]\(data:image/[a-zA-Z]+;base64,([^)]+)\)`)
	imgPlaceholder  = regexp.MustCompile(`(?m)^[ \t]*<!-- image -->[ \t]*$`)
	blankLinesRegex = regexp.MustCompile(`\n{3,}`)
)

// describeImages swaps every inline image for its description. Images
// that cannot be described are left for cleanMarkdown to drop.
func (e *PDFExtractor) describeImages(ctx context.Context, md string) string {
	described, failed := 0, 0
	out := imgRegex.ReplaceAllStringFunc(md, func(img string) string {
		if ctx.Err() != nil {
			return img
		}
		m := imgRegex.FindStringSubmatch(img)
		text, err := e.describer.Describe(ctx, m[1])
		if err != nil {
			failed++
			e.logger.Warn("cannot describe image", "error", err)
			return img
		}
		described++
		return "\n[Image: " + strings.TrimSpace(text) + "]\n"
	})
	if described+failed > 0 {
		e.logger.Info("images described", "described", described, "failed", failed)
	}
	return out
}

// cleanMarkdown drops inline images and collapses runs of blank lines.
func cleanMarkdown(md string) string {
	md = strings.ReplaceAll(md, "\r\n", "\n")
	md = imgRegex.ReplaceAllString(md, "")
	md = imgPlaceholder.ReplaceAllString(md, "")
	md = blankLinesRegex.ReplaceAllString(md, "\n\n")
	return strings.TrimSpace(md)
}

// MoveToArchive moves filePath into dir/<date>/, adding a counter to the
// name when the target already exists. It returns the new path.
func MoveToArchive(filePath, dir string) (string, error) {
	destDir := filepath.Join(dir, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	destPath := filepath.Join(destDir, filepath.Base(filePath))
	ext := filepath.Ext(destPath)
	baseName := strings.TrimSuffix(filepath.Base(destPath), ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			break
		}
		destPath = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", baseName, counter, ext))
	}

	if err := os.Rename(filePath, destPath); err == nil {
		return destPath, nil
	}

	// Rename fails across filesystems; fall back to copy and remove.
	in, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("copy to archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	in.Close()
	return destPath, os.Remove(filePath)
}

func CreateDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
