package internal

import (
	"time"

	"askpdf/types"
)

// separators in the order a break is preferred. A raw rune boundary is the
// last resort when none of them occurs inside the window.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(" "),
}

// Chunker splits text into windows of at most Size runes where each window
// repeats the last Overlap runes of the previous one.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split returns the windows in document order. Every window except the
// last ends right after the highest-priority separator found in it.
func (c *Chunker) Split(text string) []string {
	r := []rune(text)
	if len(r) == 0 {
		return nil
	}

	var out []string
	start := 0
	for {
		if len(r)-start <= c.Size {
			out = append(out, string(r[start:]))
			return out
		}
		end := c.breakAt(r, start)
		out = append(out, string(r[start:end]))
		start = end - c.Overlap
	}
}

// breakAt picks the end of the window starting at start. The window must
// stay longer than the overlap so the next window starts further along.
func (c *Chunker) breakAt(r []rune, start int) int {
	limit := start + c.Size
	lowest := start + c.Overlap + 1
	for _, sep := range separators {
		for end := limit; end >= lowest; end-- {
			if endsWith(r[:end], sep) {
				return end
			}
		}
	}
	return limit
}

func endsWith(r, suffix []rune) bool {
	if len(r) < len(suffix) {
		return false
	}
	tail := r[len(r)-len(suffix):]
	for i := range suffix {
		if tail[i] != suffix[i] {
			return false
		}
	}
	return true
}

// Chunks splits text and attaches the positional metadata of one document.
func (c *Chunker) Chunks(text, filename string, uploadedAt time.Time) []types.DocumentChunk {
	parts := c.Split(text)
	chunks := make([]types.DocumentChunk, len(parts))
	for i, p := range parts {
		chunks[i] = types.DocumentChunk{
			Content:        p,
			SourceFilename: filename,
			ChunkIndex:     i,
			TotalChunks:    len(parts),
			UploadedAt:     uploadedAt,
		}
	}
	return chunks
}

// Reassemble drops the repeated prefix of every window but the first.
func Reassemble(parts []string, overlap int) string {
	var out []rune
	for i, p := range parts {
		r := []rune(p)
		if i > 0 {
			r = r[min(overlap, len(r)):]
		}
		out = append(out, r...)
	}
	return string(out)
}
