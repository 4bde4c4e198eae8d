// Package embedding defines the thin embedding-model contract the search
// engine depends on and a concrete HTTP-backed implementation speaking an
// OpenAI-compatible embeddings API.
package embedding

import "context"

// Client is the external embedding-model contract. Ready performs an
// idempotent warm-up (e.g. a cheap health check); Embed returns the
// concatenation of one vector per input text, each of length Dim.
type Client interface {
	Ready(ctx context.Context) error
	Embed(ctx context.Context, texts []string) (Result, error)
}

// Result is the raw output of an Embed call: Vectors is the concatenation
// of Len(texts) vectors, each Dim long.
type Result struct {
	Vectors []float32
	Dim     int
}

// At returns a copy of the i-th vector in Vectors.
func (r Result) At(i int) []float32 {
	start := i * r.Dim
	out := make([]float32, r.Dim)
	copy(out, r.Vectors[start:start+r.Dim])
	return out
}

// Count returns how many vectors Vectors holds.
func (r Result) Count() int {
	if r.Dim == 0 {
		return 0
	}
	return len(r.Vectors) / r.Dim
}
