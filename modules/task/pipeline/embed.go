package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/droverhq/drover/internal/job"
)

// Provider produces embedding vectors for a batch of texts.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// embedder runs the embedding stage through a Provider.
type embedder struct {
	provider Provider
}

// Execute implements job.Executor for embed jobs.
// Input: {"chunks": []string} or {"text": string}.
// Output: {"count", "dimensions", "vectors"}.
func (e *embedder) Execute(ctx context.Context, j *job.Job, cancelled func() bool) (map[string]any, error) {
	if cancelled() {
		return nil, job.ErrCancelled
	}

	texts, err := textsInput(j.Input)
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed job %s: %w", j.ID, err)
	}

	return e.embed(ctx, texts)
}

// embed is the shared stage, also used by the full pipeline.
func (e *embedder) embed(ctx context.Context, texts []string) (map[string]any, error) {
	vectors, err := e.provider.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed %d texts: %w", len(texts), err)
	}

	out := make([]any, len(vectors))
	for i, v := range vectors {
		vec := make([]any, len(v))
		for k, f := range v {
			vec[k] = float64(f)
		}
		out[i] = vec
	}

	return map[string]any{
		"count":      len(vectors),
		"dimensions": e.provider.Dimensions(),
		"vectors":    out,
	}, nil
}

func textsInput(input map[string]any) ([]string, error) {
	if raw, ok := input["chunks"].([]any); ok {
		texts := make([]string, 0, len(raw))
		for i, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("chunk %d is not a string", i)
			}
			texts = append(texts, s)
		}
		if len(texts) == 0 {
			return nil, fmt.Errorf("empty chunks input")
		}
		return texts, nil
	}
	if s, ok := input["text"].(string); ok && s != "" {
		return []string{s}, nil
	}
	return nil, fmt.Errorf("missing chunks or text input")
}

// localProvider is a deterministic, dependency-free embedding provider:
// tokens are hashed into a fixed number of buckets and the resulting vector
// is L2-normalised. Good enough for similarity smoke tests and for running
// the pipeline without an external service.
type localProvider struct {
	dimensions int
}

func newLocalProvider(dimensions int) *localProvider {
	return &localProvider{dimensions: dimensions}
}

// Embed implements Provider.
func (p *localProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = p.vector(text)
	}
	return vectors, nil
}

// Dimensions implements Provider.
func (p *localProvider) Dimensions() int {
	return p.dimensions
}

func (p *localProvider) vector(text string) []float32 {
	v := make([]float32, p.dimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		v[h.Sum32()%uint32(p.dimensions)]++
	}

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
