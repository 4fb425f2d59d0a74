// Package embedding declares the interface the Index Builder and Hybrid
// Retriever use to turn text into dense vectors. The concrete embedding
// model (spec.md's embeddinggemma-300m in the original implementation) is
// an external collaborator; this package only fixes the contract.
package embedding

import "context"

// Embedder turns a batch of documents into fixed-dimension dense vectors,
// one per input, in the same order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
