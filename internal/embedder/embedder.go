// Package embedder turns text into dense vectors via an Ollama-compatible
// embeddings endpoint, with chunking for long inputs and the vector helpers
// the memory store needs (cosine similarity, blob encoding).
package embedder

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/errs"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	// Embed returns the embedding for text. Inputs longer than the chunk
	// limit are split, embedded separately, and averaged.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the width of vectors this embedder produces.
	Dimension() int
}

const (
	defaultTimeout = 10 * time.Second
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
)

// Client calls an Ollama-style POST /api/embeddings endpoint.
type Client struct {
	baseURL      string
	model        string
	dimension    int
	chunkLimit   int
	chunkOverlap int
	http         *http.Client
	log          zerolog.Logger
}

// Options tunes a Client beyond the required endpoint and model.
type Options struct {
	Timeout      time.Duration // per-attempt; default 10s
	ChunkLimit   int           // characters per chunk; default 24000
	ChunkOverlap int           // characters shared between chunks; default 200
}

// NewClient builds an embedder against baseURL (e.g. http://localhost:11434)
// using the named model. dimension must match what the model emits.
func NewClient(baseURL, model string, dimension int, opts Options, log zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ChunkLimit <= 0 {
		opts.ChunkLimit = 24000
	}
	if opts.ChunkOverlap <= 0 || opts.ChunkOverlap >= opts.ChunkLimit {
		opts.ChunkOverlap = 200
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		dimension:    dimension,
		chunkLimit:   opts.ChunkLimit,
		chunkOverlap: opts.ChunkOverlap,
		http:         &http.Client{Timeout: opts.Timeout},
		log:          log.With().Str("component", "embedder").Logger(),
	}
}

func (c *Client) Dimension() int { return c.dimension }

// Embed implements Embedder. Long inputs are chunked with overlap and the
// chunk vectors averaged component-wise.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("empty_text", "cannot embed empty text")
	}

	chunks := SplitChunks(text, c.chunkLimit, c.chunkOverlap)
	if len(chunks) == 1 {
		return c.embedOne(ctx, chunks[0])
	}

	vectors := make([][]float32, 0, len(chunks))
	for _, chunk := range chunks {
		vec, err := c.embedOne(ctx, chunk)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	c.log.Debug().Int("chunks", len(chunks)).Int("chars", len(text)).Msg("averaged chunked embedding")
	return Average(vectors), nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// embedOne performs a single endpoint call with retries on network errors
// and 5xx responses (100/200/400ms backoff). 4xx responses fail immediately.
func (c *Client) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	var vec []float32
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
	), maxRetries), ctx)

	err = backoff.Retry(func() error {
		v, attemptErr := c.attempt(ctx, body)
		if attemptErr != nil {
			return attemptErr
		}
		vec = v
		return nil
	}, policy)
	if err != nil {
		// Permanent failures (4xx, bad payloads) keep their own kind;
		// everything else means the endpoint is unreachable.
		var typed *errs.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, errs.ExternalUnavailable(err, "embedder_unavailable",
			"embedder at %s did not respond", c.baseURL)
	}

	if len(vec) != c.dimension {
		return nil, errs.New(errs.KindCorrupted, "dimension_mismatch",
			"embedder returned %d dimensions, expected %d", len(vec), c.dimension)
	}
	return vec, nil
}

func (c *Client) attempt(ctx context.Context, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // network error, retryable
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("embedder returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(errs.New(errs.KindValidation, "embedder_rejected",
			"embedder returned %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, backoff.Permanent(errs.Corrupted(err, "embedder response was not valid JSON"))
	}
	return parsed.Embedding, nil
}

// SplitChunks splits text into pieces of at most limit characters, adjacent
// pieces sharing overlap characters. Boundaries are measured in runes, so a
// cut never lands inside a multi-byte character. A text within the limit is
// returned whole.
func SplitChunks(text string, limit, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	step := limit - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + limit
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// Average combines vectors component-wise. All inputs must share a length.
func Average(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float32, len(vectors[0]))
	for _, vec := range vectors {
		for i, v := range vec {
			out[i] += v
		}
	}
	n := float32(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}

// Cosine returns the cosine similarity of two vectors, 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EncodeVector packs a vector as little-endian float32 bytes for BLOB
// storage.
func EncodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeVector unpacks an EncodeVector blob.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%4 != 0 {
		return nil, errs.New(errs.KindCorrupted, "bad_vector_blob",
			"vector blob length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
