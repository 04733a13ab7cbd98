package rag

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/liliang-cn/sqrag/pkg/core"
)

// ChunkerOptions bound the size of chunks produced by DefaultChunker.
// MinChars and MaxChars are soft limits applied at line boundaries;
// MaxCharsHard is never exceeded.
type ChunkerOptions struct {
	MinLines     int `json:"minLines" yaml:"min_lines"`
	MinChars     int `json:"minChars" yaml:"min_chars"`
	MaxChars     int `json:"maxChars" yaml:"max_chars"`
	MaxCharsHard int `json:"maxCharsHard" yaml:"max_chars_hard"`
}

// DefaultChunkerOptions returns the default chunk size bounds
func DefaultChunkerOptions() ChunkerOptions {
	return ChunkerOptions{
		MinLines:     1,
		MinChars:     100,
		MaxChars:     1000,
		MaxCharsHard: 10000,
	}
}

func (o ChunkerOptions) validate() error {
	if o.MinLines < 0 || o.MinChars < 0 || o.MaxChars <= 0 || o.MaxCharsHard <= 0 {
		return fmt.Errorf("%w: chunk bounds must be positive", core.ErrInvalidConfig)
	}
	if o.MaxChars > o.MaxCharsHard {
		return fmt.Errorf("%w: max chars %d exceeds hard limit %d", core.ErrInvalidConfig, o.MaxChars, o.MaxCharsHard)
	}
	return nil
}

// DefaultChunker splits text into chunks along line boundaries. A chunk ends
// at a blank line once it holds MinChars and MinLines, and before any line
// that would push it past MaxChars. Chunks longer than MaxCharsHard (a single
// very long line) are cut at that length. Surrounding whitespace is trimmed
// and empty chunks are dropped.
func DefaultChunker(text string, opts ChunkerOptions) []string {
	var (
		chunks  []string
		current []string
		size    int // length of current joined with newlines
		lines   int // non-blank lines in current
	)
	flush := func() {
		chunk := strings.TrimSpace(strings.Join(current, "\n"))
		current, size, lines = current[:0], 0, 0
		for chunk != "" {
			head, rest := cut(chunk, opts.MaxCharsHard)
			chunks = append(chunks, strings.TrimSpace(head))
			chunk = strings.TrimSpace(rest)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		blank := strings.TrimSpace(line) == ""
		if !blank && lines >= max(opts.MinLines, 1) && size+1+len(line) > opts.MaxChars {
			flush()
		}
		if len(current) > 0 {
			size++
		}
		current = append(current, line)
		size += len(line)
		if !blank {
			lines++
		} else if lines >= opts.MinLines && size >= opts.MinChars {
			flush()
		}
	}
	flush()
	return chunks
}

// cut splits s after at most n bytes without breaking a UTF-8 sequence.
func cut(s string, n int) (string, string) {
	if n <= 0 || len(s) <= n {
		return s, ""
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if i == 0 {
		_, size := utf8.DecodeRuneInString(s)
		i = size
	}
	return s[:i], s[i:]
}

// ChunkRequest is passed to a Chunker
type ChunkRequest struct {
	Namespace *core.Namespace
	Entry     *core.Entry
	Source    string
}

// Chunker produces the chunks of an entry added with AddAsync. Chunks without
// an embedding are embedded by the client. A chunker may run more than once
// for the same entry.
type Chunker func(ctx context.Context, req ChunkRequest) ([]core.ChunkInput, error)

// TextChunker returns a Chunker that splits the request source with
// DefaultChunker.
func TextChunker(opts ChunkerOptions) Chunker {
	return func(_ context.Context, req ChunkRequest) ([]core.ChunkInput, error) {
		return textChunks(req.Source, opts), nil
	}
}

func textChunks(text string, opts ChunkerOptions) []core.ChunkInput {
	parts := DefaultChunker(text, opts)
	out := make([]core.ChunkInput, len(parts))
	for i, p := range parts {
		out[i] = core.ChunkInput{Text: p}
	}
	return out
}
