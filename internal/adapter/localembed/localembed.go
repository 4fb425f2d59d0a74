// Package localembed implements the embedding.Embedder port with a local,
// model-free hashing embedder: a deterministic stand-in for the external
// sentence-embedding model, usable in development and tests without a GPU
// or network dependency.
package localembed

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
)

const defaultDimension = 256

// Embedder hashes whitespace tokens into a fixed-size bag-of-hashed-features
// vector and L2-normalises it, giving cosine similarity a meaningful signal
// without requiring a real model.
type Embedder struct {
	dimension int
	logger    *slog.Logger
}

// New builds an Embedder with the given vector dimension. dimension <= 0
// falls back to a sensible default.
func New(dimension int, logger *slog.Logger) *Embedder {
	if dimension <= 0 {
		dimension = defaultDimension
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{dimension: dimension, logger: logger}
}

// Dimension returns the fixed vector size this Embedder produces.
func (e *Embedder) Dimension() int {
	return e.dimension
}

// Embed hashes each document into a unit vector of length Dimension().
func (e *Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *Embedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		bucket := int(h.Sum32()) % e.dimension
		if bucket < 0 {
			bucket += e.dimension
		}
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
