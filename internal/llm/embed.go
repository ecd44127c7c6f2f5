package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// embeddingDims matches the fixed dimensionality spec.md §4.2 assumes for
// cold-fact vectors.
const embeddingDims = 768

// FallbackEmbed computes a deterministic, seeded pseudo-embedding from a
// SHA-256 hash of the input text. It satisfies cortex.EmbedFunc.
//
// No example in the retrieval pack calls a genkit/provider embedding API —
// brain.go and every other genkit consumer here only exercises
// genkit.Generate/GenerateStream — so there is no grounded third-party call
// to build a real embedder on. Rather than fabricate an unverified API
// surface, this stays on the standard library: it is good enough to
// exercise the hippocampus's promote/evict/KNN code paths (the vector
// values are arbitrary; ANN search over them is still internally
// consistent), but it is not a semantic embedding and must not be used in
// place of a real provider once one is wired.
func FallbackEmbed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	var window [4]byte
	out := make([]float32, embeddingDims)
	for i := range out {
		for j := range window {
			window[j] = sum[(i+j)%len(sum)]
		}
		seed := binary.BigEndian.Uint32(window[:])
		out[i] = float32(seed%1000)/1000.0 - 0.5
	}
	return out, nil
}
