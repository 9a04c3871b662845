// Package embed talks to the embedding service that turns case text into
// vectors for the knowledge base. The service is a collaborator owned by
// another team; this package only encodes, caches and normalizes.
package embed

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/casekb"
)

// Encoder produces an embedding vector for a piece of text.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Config configures the HTTP encoder.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	CacheSize int
}

// HTTPEncoder calls the embedding service over HTTP.
type HTTPEncoder struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPEncoder builds an HTTPEncoder.
func NewHTTPEncoder(cfg Config, logger *zap.Logger) *HTTPEncoder {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEncoder{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Encode requests one embedding. The returned vector is unit-normalized.
func (e *HTTPEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &casekb.StatusError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("embedding service status %d: %s", resp.StatusCode, body),
		}
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return Normalize(decoded.Embedding), nil
}

// CachingEncoder memoizes an Encoder with an LRU keyed by text digest, so a
// re-imported batch does not re-pay the embedding calls.
type CachingEncoder struct {
	inner Encoder
	cache *lru.Cache[string, []float32]
}

// NewCachingEncoder wraps inner with an LRU of the given size.
func NewCachingEncoder(inner Encoder, size int) (*CachingEncoder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachingEncoder{inner: inner, cache: cache}, nil
}

func (c *CachingEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

func cacheKey(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Normalize scales a vector to unit length. The zero vector is returned
// unchanged rather than divided by zero.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
