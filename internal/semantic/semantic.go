// Package semantic implements the SemanticService contract of §6:
// similarity(a, b) and embed(text). The core depends only on this
// abstract contract (see DESIGN.md Open Question resolution) — which
// concrete backend is deployed (a local sentence-transformer model or
// a hosted LLM embedding endpoint) is a deployment decision outside
// this module's scope. FallbackService below is the
// token-sort-ratio-only implementation §9 requires every conformant
// build to pass even with no embedding model configured.
package semantic

import (
	"context"
	"hash/fnv"

	"github.com/r3e-audit/forensic-engine/internal/similarity"
)

// Service provides text similarity and embedding for reconciliation and
// ingestion.
type Service interface {
	// Similarity returns a [0,1] score for how alike a and b are.
	Similarity(ctx context.Context, a, b string) (float64, error)
	// Embed returns a fixed-dimension vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

const fallbackDimension = 64

// FallbackService degrades Similarity to the token-sort ratio and
// Embed to a deterministic bag-of-hashed-tokens vector — enough to
// drive FuzzyVectorMatcher's cosine comparisons without a real model.
type FallbackService struct{}

// NewFallback creates a FallbackService.
func NewFallback() *FallbackService { return &FallbackService{} }

// Similarity implements Service.
func (FallbackService) Similarity(_ context.Context, a, b string) (float64, error) {
	return similarity.TokenSortRatio(a, b), nil
}

// Embed implements Service using hashed-token bucketing: each token
// increments a bucket selected by an FNV hash, and the result is
// L2-normalized so cosine similarity behaves sensibly.
func (FallbackService) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, fallbackDimension)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%fallbackDimension]++
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' || r == '|' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// CosineSimilarity returns the cosine similarity of two equal-length
// vectors, used by FuzzyVectorMatcher.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt(normA) * sqrt(normB))
}

var _ Service = (*FallbackService)(nil)
