package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/droverhq/drover/internal/job"
)

// parser turns raw HTML (or plain text) into cleaned text plus metadata.
type parser struct{}

// Execute implements job.Executor for parse jobs.
// Input: {"html": string} or {"text": string}.
// Output: {"text", "title", "length"}.
func (p *parser) Execute(_ context.Context, j *job.Job, cancelled func() bool) (map[string]any, error) {
	if cancelled() {
		return nil, job.ErrCancelled
	}

	raw, ok := j.Input["html"].(string)
	if !ok {
		raw, ok = j.Input["text"].(string)
	}
	if !ok || raw == "" {
		return nil, fmt.Errorf("pipeline: parse job %s: missing html or text input", j.ID)
	}

	title := htmlTitle(raw)
	text := raw
	if looksLikeHTML(raw) {
		text = htmlToText(raw)
	} else {
		text = collapseWhitespace(raw)
	}

	return map[string]any{
		"text":   text,
		"title":  title,
		"length": len(text),
	}, nil
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") ||
		strings.Contains(head, "<body") || strings.Contains(head, "<p>") ||
		strings.Contains(head, "<div")
}

// htmlTitle extracts the contents of the first <title> element, if any.
func htmlTitle(s string) string {
	lower := strings.ToLower(s)
	start := strings.Index(lower, "<title")
	if start < 0 {
		return ""
	}
	open := strings.IndexByte(lower[start:], '>')
	if open < 0 {
		return ""
	}
	start += open + 1
	end := strings.Index(lower[start:], "</title>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(decodeEntities(s[start : start+end]))
}

// htmlToText strips tags from an HTML document, discarding script and style
// bodies, and collapses whitespace. A character-level pass keeps the module
// free of an HTML parser dependency; it is deliberately crude and only has
// to be good enough for chunking and embedding.
func htmlToText(s string) string {
	var b strings.Builder
	b.Grow(len(s) / 2)

	lower := strings.ToLower(s)
	i := 0
	for i < len(s) {
		if s[i] != '<' {
			b.WriteByte(s[i])
			i++
			continue
		}

		// Skip script/style elements wholesale.
		skipped := false
		for _, tag := range []string{"script", "style", "noscript", "title"} {
			if strings.HasPrefix(lower[i+1:], tag) {
				closing := "</" + tag
				end := strings.Index(lower[i:], closing)
				if end < 0 {
					i = len(s)
				} else {
					i += end + len(closing)
					if gt := strings.IndexByte(s[i:], '>'); gt >= 0 {
						i += gt + 1
					}
				}
				skipped = true
				break
			}
		}
		if skipped {
			continue
		}

		gt := strings.IndexByte(s[i:], '>')
		if gt < 0 {
			break
		}
		// Block-level boundaries become whitespace so words don't merge.
		b.WriteByte(' ')
		i += gt + 1
	}

	return collapseWhitespace(decodeEntities(b.String()))
}

// decodeEntities resolves the handful of entities that matter for text
// extraction.
func decodeEntities(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
	)
	return r.Replace(s)
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteByte(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}
	return strings.TrimSpace(b.String())
}
