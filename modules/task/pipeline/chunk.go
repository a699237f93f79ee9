package pipeline

import (
	"context"
	"fmt"

	"github.com/droverhq/drover/internal/job"
)

// chunker splits text into overlapping rune windows.
type chunker struct {
	size    int
	overlap int
}

func newChunker(cfg ChunkConfig) *chunker {
	return &chunker{size: cfg.Size, overlap: cfg.Overlap}
}

// Execute implements job.Executor for chunk jobs.
// Input: {"text": string, optional "size", "overlap"}.
// Output: {"chunks": []string, "count": int}.
func (c *chunker) Execute(_ context.Context, j *job.Job, cancelled func() bool) (map[string]any, error) {
	if cancelled() {
		return nil, job.ErrCancelled
	}

	text, ok := j.Input["text"].(string)
	if !ok || text == "" {
		return nil, fmt.Errorf("pipeline: chunk job %s: missing text input", j.ID)
	}

	size, overlap := c.size, c.overlap
	if v, ok := numberInput(j.Input["size"]); ok && v > 0 {
		size = v
	}
	if v, ok := numberInput(j.Input["overlap"]); ok && v >= 0 && v < size {
		overlap = v
	}

	chunks := splitText(text, size, overlap)
	out := make([]any, len(chunks))
	for i, ch := range chunks {
		out[i] = ch
	}
	return map[string]any{
		"chunks": out,
		"count":  len(chunks),
	}, nil
}

// splitText windows text into chunks of size runes, each sharing overlap
// trailing runes with its successor. The last chunk may be shorter.
func splitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap >= size {
		overlap = size - 1
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// numberInput accepts the numeric shapes JSON round-tripping produces.
func numberInput(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
