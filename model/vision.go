package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ImageDescriber turns an image embedded in a document into indexable text.
type ImageDescriber interface {
	Describe(ctx context.Context, imgBase64 string) (string, error)
}

const describePrompt = `You are reading an image taken from a PDF document.

Transcribe all visible text exactly as written, keeping numbers and units.
Then describe in two or three sentences what the image shows, including the
meaning of any chart or table.

Answer in plain text without markdown. Do not invent values that are not visible.`

// OllamaVision describes images with a multimodal model through /api/generate.
type OllamaVision struct {
	client   *http.Client
	apiURL   string
	model    string
	attempts int
}

type visionRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Images  []string      `json:"images"`
	Stream  bool          `json:"stream"`
	Options visionOptions `json:"options"`
}

type visionOptions struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	TopK        int     `json:"top_k"`
	NumPredict  int     `json:"num_predict"`
}

type visionResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func NewOllamaVision(baseURL, model string) *OllamaVision {
	return &OllamaVision{
		client:   &http.Client{Timeout: 5 * time.Minute},
		apiURL:   strings.TrimRight(baseURL, "/") + "/api/generate",
		model:    model,
		attempts: 3,
	}
}

// Describe retries transient failures and empty answers with a growing pause.
func (v *OllamaVision) Describe(ctx context.Context, img string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= v.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := v.describe(ctx, img)
		if err == nil {
			return text, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("describe image failed after %d attempts: %w", v.attempts, lastErr)
}

func (v *OllamaVision) describe(ctx context.Context, img string) (string, error) {
	body, err := json.Marshal(visionRequest{
		Model:  v.model,
		Prompt: describePrompt,
		Images: []string{img},
		Stream: true,
		Options: visionOptions{
			Temperature: 0.05,
			TopP:        0.9,
			TopK:        20,
			NumPredict:  2048,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("vision model returned status %d: %s", resp.StatusCode, msg)
	}

	var b strings.Builder
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk visionResponse
		if err := decoder.Decode(&chunk); err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if chunk.Error != "" {
			return "", errors.New(chunk.Error)
		}
		b.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("vision model returned an empty description")
	}
	return text, nil
}
