package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/felixgeelhaar/aria/internal/provider"
)

// LocalEmbedder produces deterministic embeddings by hashing word tokens into
// a fixed number of buckets. It needs no model or network, which makes it the
// fallback when no provider embedding is configured, and the embedder of
// choice in tests.
type LocalEmbedder struct {
	dims int
}

func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) Dimensions() int {
	return e.dims
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.dims]++
	}

	// L2 normalize so scores stay comparable across text lengths.
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(1 / math.Sqrt(mag))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec, nil
}

// ProviderEmbedder adapts an LLM provider's embedding endpoint.
type ProviderEmbedder struct {
	provider provider.Provider
	dims     int
}

func NewProviderEmbedder(p provider.Provider, dims int) *ProviderEmbedder {
	if dims <= 0 {
		dims = 1536
	}
	return &ProviderEmbedder{provider: p, dims: dims}
}

func (e *ProviderEmbedder) Dimensions() int {
	return e.dims
}

func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("provider embed: %w", err)
	}
	return vec, nil
}

// CachedEmbedder memoizes embeddings keyed by exact text. Repeated queries
// and reinforced items hit the same strings over and over.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(inner Embedder) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

func (e *CachedEmbedder) Close() {
	e.cache.Close()
}

var (
	_ Embedder = (*LocalEmbedder)(nil)
	_ Embedder = (*ProviderEmbedder)(nil)
	_ Embedder = (*CachedEmbedder)(nil)
)
