package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/job"
)

// crawler fetches a URL and extracts plain text from HTML responses.
type crawler struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
}

func newCrawler(cfg CrawlConfig) *crawler {
	return &crawler{
		client:      &http.Client{Timeout: cfg.Timeout},
		userAgent:   cfg.UserAgent,
		maxBodySize: cfg.MaxBodySize,
	}
}

// Execute implements job.Executor for crawl jobs.
// Input: {"url": string}. Output: {"url", "status", "content_type", "text",
// "title", "fetched_at"}.
func (c *crawler) Execute(ctx context.Context, j *job.Job, cancelled func() bool) (map[string]any, error) {
	if cancelled() {
		return nil, job.ErrCancelled
	}

	url, ok := j.Input["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("pipeline: crawl job %s: missing url input", j.ID)
	}

	return c.fetch(ctx, url)
}

// fetch is the shared crawl stage, also used by the full pipeline.
func (c *crawler) fetch(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pipeline: fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("pipeline: read body of %s: %w", url, err)
	}

	contentType := resp.Header.Get("Content-Type")
	text := string(body)
	title := ""
	if strings.Contains(contentType, "text/html") || looksLikeHTML(text) {
		title = htmlTitle(text)
		text = htmlToText(text)
	}

	return map[string]any{
		"url":          url,
		"status":       resp.StatusCode,
		"content_type": contentType,
		"title":        title,
		"text":         text,
		"fetched_at":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}
