// Package policy retrieves return and refund policy snippets and extracts
// the auto-approval threshold from them.
//
// Two retrievers implement contracts.PolicyRetriever: KnowledgeBase scores a
// YAML-seeded document set locally; HTTPRetriever calls a remote search
// service.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentoven/supportdesk/pkg/models"
)

//go:embed policies.yaml
var defaultPolicies []byte

// Document is one policy entry in the seed file.
type Document struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

type seedFile struct {
	Policies []Document `yaml:"policies"`
}

type chunk struct {
	title string
	text  string
	terms map[string]struct{}
}

// KnowledgeBase is an in-process policy index scored by query-term overlap.
type KnowledgeBase struct {
	chunks   []chunk
	cache    *lru.Cache
	MinScore float64
}

// NewKnowledgeBase indexes the given documents. cacheSize <= 0 disables the
// query cache.
func NewKnowledgeBase(docs []Document, cacheSize int) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	cfg := DefaultChunkerConfig()
	for _, d := range docs {
		for _, text := range ChunkText(d.Content, cfg) {
			kb.chunks = append(kb.chunks, chunk{title: d.Title, text: text, terms: termSet(d.Title + " " + text)})
		}
	}
	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("policy cache: %w", err)
		}
		kb.cache = c
	}
	log.Info().Int("documents", len(docs)).Int("chunks", len(kb.chunks)).Msg("Policy knowledge base indexed")
	return kb, nil
}

// LoadKnowledgeBase reads a YAML seed file, or the embedded defaults when
// path is empty.
func LoadKnowledgeBase(path string, cacheSize int) (*KnowledgeBase, error) {
	data := defaultPolicies
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		data = b
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewKnowledgeBase(seed.Policies, cacheSize)
}

// SearchPolicies returns up to topK chunks ranked by the share of query
// terms they contain. Chunks scoring zero are never returned.
func (kb *KnowledgeBase) SearchPolicies(ctx context.Context, query string, topK int) ([]models.PolicyHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 3
	}
	key := strconv.Itoa(topK) + "|" + strings.ToLower(strings.TrimSpace(query))
	if kb.cache != nil {
		if v, ok := kb.cache.Get(key); ok {
			return append([]models.PolicyHit(nil), v.([]models.PolicyHit)...), nil
		}
	}

	start := time.Now()
	q := termSet(query)
	if len(q) == 0 {
		return []models.PolicyHit{}, nil
	}

	type scored struct {
		idx   int
		score float64
	}
	var ranked []scored
	for i, c := range kb.chunks {
		matched := 0
		for t := range q {
			if _, ok := c.terms[t]; ok {
				matched++
			}
		}
		score := float64(matched) / float64(len(q))
		if score > 0 && score >= kb.MinScore {
			ranked = append(ranked, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	hits := make([]models.PolicyHit, 0, len(ranked))
	for _, r := range ranked {
		c := kb.chunks[r.idx]
		hits = append(hits, models.PolicyHit{Title: c.title, Content: c.text, Score: r.score})
	}
	if kb.cache != nil {
		kb.cache.Add(key, hits)
	}
	log.Debug().Str("query", query).Int("hits", len(hits)).Dur("elapsed", time.Since(start)).Msg("Policy search complete")
	return append([]models.PolicyHit(nil), hits...), nil
}

// termSet lower-cases text into latin words plus CJK character bigrams, so
// Chinese queries match without a segmenter.
func termSet(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	var word []rune
	var prevHan rune
	flush := func() {
		if len(word) > 1 {
			terms[string(word)] = struct{}{}
		}
		word = word[:0]
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			terms[string(r)] = struct{}{}
			if prevHan != 0 {
				terms[string([]rune{prevHan, r})] = struct{}{}
			}
			prevHan = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
		prevHan = 0
	}
	flush()
	return terms
}
