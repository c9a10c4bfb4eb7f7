package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"askpdf/config"
	"askpdf/model"
	"askpdf/store"
	"askpdf/types"
)

// Agent answers questions from the indexed documents.
type Agent struct {
	embedder     model.Embedder
	index        store.VectorIndex
	generator    model.Generator
	collection   string
	topK         int
	systemPrompt string
	logger       *slog.Logger
}

// Prepared is everything retrieved for one query before generation starts.
type Prepared struct {
	Query    string
	Context  string
	Sources  []string
	Messages []types.Message
}

// EventSink receives the events of one answer in order.
type EventSink interface {
	Send(ev types.StreamEvent) error
}

func New(cfg *config.Config, embedder model.Embedder, index store.VectorIndex, generator model.Generator, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		embedder:     embedder,
		index:        index,
		generator:    generator,
		collection:   cfg.Collection,
		topK:         cfg.TopK,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
	}
}

// Prepare embeds the query and retrieves its context. Errors here happen
// before any event is emitted.
func (a *Agent) Prepare(ctx context.Context, query string) (*Prepared, error) {
	start := time.Now()
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := a.index.Query(ctx, a.collection, vec, a.topK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", a.collection, err)
	}

	contents := make([]string, 0, len(hits))
	sources := make([]string, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		contents = append(contents, h.Payload.Content)
		if _, ok := seen[h.Payload.SourceFilename]; ok {
			continue
		}
		seen[h.Payload.SourceFilename] = struct{}{}
		sources = append(sources, h.Payload.SourceFilename)
	}
	joined := strings.Join(contents, "\n\n")

	p := &Prepared{
		Query:   query,
		Context: joined,
		Sources: sources,
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: a.systemPrompt + "\n\nContext:\n" + joined},
			{Role: types.RoleUser, Content: query},
		},
	}
	a.logger.Info("context retrieved", "chunks", len(hits), "sources", len(sources), "took", time.Since(start))
	if a.logger.Enabled(ctx, slog.LevelDebug) {
		if n, err := CountTokensLlama(p.Messages); err == nil {
			a.logger.Debug("prompt size", "tokens", n, "symbols", len(p.Messages[0].Content)+len(query))
		}
	}
	return p, nil
}

// Stream generates the answer and sends metadata, content deltas and a
// terminal done or error event to sink. When sink fails, generation is
// cancelled and types.ErrConsumerGone is returned; nothing more is sent.
func (a *Agent) Stream(ctx context.Context, p *Prepared, sink EventSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gone error
	send := func(ev types.StreamEvent) error {
		if err := sink.Send(ev); err != nil {
			cancel()
			gone = fmt.Errorf("%w: %v", types.ErrConsumerGone, err)
			return gone
		}
		return nil
	}

	if err := send(types.MetadataEvent(p.Sources)); err != nil {
		return err
	}

	start := time.Now()
	var full strings.Builder
	deltas := 0
	err := a.generator.GenerateStream(ctx, p.Messages, func(delta string) error {
		if delta == "" {
			return nil
		}
		full.WriteString(delta)
		deltas++
		return send(types.ContentEvent(delta))
	})
	if gone != nil {
		a.logger.Info("consumer gone, generation stopped", "deltas", deltas)
		return gone
	}
	if err != nil {
		a.logger.Error("generation failed", "error", err, "deltas", deltas)
		return send(types.ErrorEvent("generation failed: " + err.Error()))
	}

	a.logger.Info("answer generated", "deltas", deltas, "took", time.Since(start))
	return send(types.DoneEvent(full.String(), p.Sources))
}

// Answer runs Prepare and Stream for callers that do not need to react to
// a retrieval failure before streaming.
func (a *Agent) Answer(ctx context.Context, query string, sink EventSink) error {
	p, err := a.Prepare(ctx, query)
	if err != nil {
		return err
	}
	return a.Stream(ctx, p, sink)
}

type lineSink struct {
	w     io.Writer
	flush func() error
}

// NewLineSink writes one JSON object per line and flushes after each one.
func NewLineSink(w io.Writer, flush func() error) EventSink {
	return &lineSink{w: w, flush: flush}
}

func (s *lineSink) Send(ev types.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if s.flush != nil {
		return s.flush()
	}
	return nil
}

func CountTokensLlama(messages []types.Message) (int, error) {
	enc, err := tiktoken.EncodingForModel("gpt-3.5-turbo")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total, nil
}
