package pipeline

import (
	"fmt"
	"time"
)

// Config holds the pipeline executor configuration.
type Config struct {
	Crawl CrawlConfig `yaml:"crawl"`
	Chunk ChunkConfig `yaml:"chunk"`
	Embed EmbedConfig `yaml:"embed"`
}

// CrawlConfig tunes the HTTP fetch stage.
type CrawlConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
	MaxBodySize int64         `yaml:"max_body_size"`
}

// ChunkConfig tunes the text splitter.
type ChunkConfig struct {
	// Size is the chunk length in runes; Overlap is how many trailing runes
	// each chunk shares with the next.
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// EmbedConfig selects the embedding provider.
type EmbedConfig struct {
	Provider   string `yaml:"provider"`
	Dimensions int    `yaml:"dimensions"`
}

func (c *Config) defaults() {
	if c.Crawl.Timeout <= 0 {
		c.Crawl.Timeout = 30 * time.Second
	}
	if c.Crawl.UserAgent == "" {
		c.Crawl.UserAgent = "drover/1.0"
	}
	if c.Crawl.MaxBodySize <= 0 {
		c.Crawl.MaxBodySize = 10 << 20 // 10 MiB
	}
	if c.Chunk.Size <= 0 {
		c.Chunk.Size = 1000
	}
	if c.Chunk.Overlap < 0 {
		c.Chunk.Overlap = 0
	}
	if c.Chunk.Overlap == 0 && c.Chunk.Size >= 200 {
		c.Chunk.Overlap = 200
	}
	if c.Embed.Provider == "" {
		c.Embed.Provider = "local"
	}
	if c.Embed.Dimensions <= 0 {
		c.Embed.Dimensions = 256
	}
}

func (c *Config) validate() error {
	if c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("pipeline: chunk overlap (%d) must be smaller than chunk size (%d)",
			c.Chunk.Overlap, c.Chunk.Size)
	}
	if c.Embed.Provider != "local" {
		return fmt.Errorf("pipeline: unknown embed provider %q", c.Embed.Provider)
	}
	return nil
}
