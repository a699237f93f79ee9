// Package pipeline provides the document-ingestion task executors: crawl,
// parse, chunk, embed, and the composed full pipeline. The module registers
// itself as the "task.executors" service consumed by the scheduler.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/droverhq/drover/internal/core"
	"github.com/droverhq/drover/internal/job"
	"gopkg.in/yaml.v3"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ job.ExecutorRegistry = (*Module)(nil)
	_ core.Configurable    = (*Module)(nil)
	_ core.Provisioner     = (*Module)(nil)
	_ core.Validator       = (*Module)(nil)
	_ job.Executor         = (*crawler)(nil)
	_ job.Executor         = (*parser)(nil)
	_ job.Executor         = (*chunker)(nil)
	_ job.Executor         = (*embedder)(nil)
	_ job.Executor         = (*fullPipeline)(nil)
)

// Module owns the executor instances and maps job types onto them.
type Module struct {
	config    Config
	logger    *slog.Logger
	executors map[job.Type]job.Executor
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "task.pipeline",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("pipeline: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger

	crawl := newCrawler(m.config.Crawl)
	chunk := newChunker(m.config.Chunk)
	embed := &embedder{provider: newLocalProvider(m.config.Embed.Dimensions)}

	m.executors = map[job.Type]job.Executor{
		job.TypeCrawl:        crawl,
		job.TypeParse:        &parser{},
		job.TypeChunk:        chunk,
		job.TypeEmbed:        embed,
		job.TypeFullPipeline: &fullPipeline{crawl: crawl, chunk: chunk, embed: embed},
	}

	ctx.RegisterService("task.executors", m)

	m.logger.Info("pipeline executors provisioned",
		"types", len(m.executors),
		"chunk_size", m.config.Chunk.Size,
		"embed_provider", m.config.Embed.Provider,
	)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	return m.config.validate()
}

// Executor implements job.ExecutorRegistry.
func (m *Module) Executor(t job.Type) (job.Executor, bool) {
	e, ok := m.executors[t]
	return e, ok
}

// fullPipeline chains crawl → chunk → embed, checking for cancellation
// between stages. Each stage is idempotent, so a retried pipeline simply
// re-runs from the start.
type fullPipeline struct {
	crawl *crawler
	chunk *chunker
	embed *embedder
}

// Execute implements job.Executor for full_pipeline jobs.
// Input: {"url": string}. Output merges the stage summaries.
func (p *fullPipeline) Execute(ctx context.Context, j *job.Job, cancelled func() bool) (map[string]any, error) {
	if cancelled() {
		return nil, job.ErrCancelled
	}

	url, ok := j.Input["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("pipeline: full pipeline job %s: missing url input", j.ID)
	}

	crawled, err := p.crawl.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if cancelled() {
		return nil, job.ErrCancelled
	}

	text, _ := crawled["text"].(string)
	if text == "" {
		return nil, fmt.Errorf("pipeline: full pipeline job %s: %s yielded no text", j.ID, url)
	}

	chunks := splitText(text, p.chunk.size, p.chunk.overlap)
	if cancelled() {
		return nil, job.ErrCancelled
	}

	embedded, err := p.embed.embed(ctx, chunks)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"url":        url,
		"title":      crawled["title"],
		"text_size":  len(text),
		"chunks":     len(chunks),
		"embedded":   embedded["count"],
		"dimensions": embedded["dimensions"],
	}, nil
}
