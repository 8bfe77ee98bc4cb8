package policy

import (
	"strings"
	"unicode/utf8"
)

// ChunkerConfig configures how policy documents are split before scoring.
type ChunkerConfig struct {
	ChunkSize    int // target chunk size in runes (default 400)
	ChunkOverlap int // runes carried from one chunk into the next (default 40)
}

// DefaultChunkerConfig returns the splitting used by the knowledge base.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{ChunkSize: 400, ChunkOverlap: 40}
}

// ChunkText splits text on paragraph, then line, then sentence boundaries
// until every piece fits ChunkSize. Short texts come back whole.
func ChunkText(text string, cfg ChunkerConfig) []string {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 400
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= cfg.ChunkSize {
		return []string{text}
	}
	return split(text, []string{"\n\n", "\n", "。", ". ", " "}, cfg)
}

func split(text string, seps []string, cfg ChunkerConfig) []string {
	var parts []string
	sep := ""
	for _, s := range seps {
		if p := strings.Split(text, s); len(p) > 1 {
			parts, sep = p, s
			break
		}
	}
	if parts == nil {
		return splitRunes(text, cfg.ChunkSize)
	}

	var chunks []string
	var cur strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		candidate := cur.String()
		if candidate != "" {
			candidate += sep
		}
		candidate += part
		if utf8.RuneCountInString(candidate) <= cfg.ChunkSize || cur.Len() == 0 {
			cur.Reset()
			cur.WriteString(candidate)
			continue
		}
		chunks = append(chunks, strings.TrimSpace(cur.String()))
		tail := tailRunes(cur.String(), cfg.ChunkOverlap)
		cur.Reset()
		if tail != "" {
			cur.WriteString(tail + sep)
		}
		cur.WriteString(part)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(cur.String()))
	}
	return chunks
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[len(r)-n:])
}

func splitRunes(text string, n int) []string {
	r := []rune(text)
	var out []string
	for i := 0; i < len(r); i += n {
		end := i + n
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[i:end]))
	}
	return out
}
