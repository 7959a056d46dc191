package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/errs"
)

func fakeEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func embeddingHandler(vec []float32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
	}
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := fakeEndpoint(t, embeddingHandler([]float32{0.1, 0.2, 0.3}))
	c := NewClient(srv.URL, "all-minilm", 3, Options{}, zerolog.Nop())

	vec, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	c := NewClient("http://localhost:1", "all-minilm", 3, Options{}, zerolog.Nop())
	_, err := c.Embed(context.Background(), "   ")
	assert.True(t, errs.IsValidation(err))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := fakeEndpoint(t, embeddingHandler([]float32{1, 2}))
	c := NewClient(srv.URL, "all-minilm", 3, Options{}, zerolog.Nop())

	_, err := c.Embed(context.Background(), "hello")
	assert.True(t, errs.IsKind(err, errs.KindCorrupted))
}

func TestEmbedRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 0, 0}})
	})
	c := NewClient(srv.URL, "all-minilm", 3, Options{}, zerolog.Nop())

	vec, err := c.Embed(context.Background(), "eventually works")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown model", http.StatusNotFound)
	})
	c := NewClient(srv.URL, "nope", 3, Options{}, zerolog.Nop())

	_, err := c.Embed(context.Background(), "hello")
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedUnreachableEndpoint(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "all-minilm", 3, Options{}, zerolog.Nop())
	_, err := c.Embed(context.Background(), "hello")
	assert.True(t, errs.IsExternalUnavailable(err))
}

func TestEmbedAveragesChunks(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		// Alternate between two unit vectors; the average is their midpoint.
		if calls.Add(1)%2 == 1 {
			_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 0}})
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0, 1}})
	})
	c := NewClient(srv.URL, "all-minilm", 2, Options{ChunkLimit: 10, ChunkOverlap: 2}, zerolog.Nop())

	vec, err := c.Embed(context.Background(), "abcdefghijklmnop")
	require.NoError(t, err)
	require.GreaterOrEqual(t, calls.Load(), int32(2))
	assert.InDelta(t, 0.5, vec[0], 0.01)
	assert.InDelta(t, 0.5, vec[1], 0.01)
}

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitChunks("short", 100, 10))

	chunks := SplitChunks("abcdefghij", 4, 2)
	assert.Equal(t, []string{"abcd", "cdef", "efgh", "ghij"}, chunks)

	// Overlapping windows cover the whole input.
	joined := chunks[0]
	for _, c := range chunks[1:] {
		joined += c[2:]
	}
	assert.Equal(t, "abcdefghij", joined)
}

func TestSplitChunksKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 4)
	chunks := SplitChunks(text, 10, 2)
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q cuts a rune", c)
	}

	// Overlapping windows still cover the whole input.
	joined := []rune(chunks[0])
	for _, c := range chunks[1:] {
		joined = append(joined, []rune(c)[2:]...)
	}
	assert.Equal(t, text, string(joined))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1, 0, 0}), "length mismatch")
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}), "zero vector")
}

func TestVectorBlobRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75}
	out, err := DecodeVector(EncodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.True(t, errs.IsKind(err, errs.KindCorrupted))

	none, err := DecodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAverage(t *testing.T) {
	avg := Average([][]float32{{1, 0}, {0, 1}})
	assert.Equal(t, []float32{0.5, 0.5}, avg)
	assert.Nil(t, Average(nil))
}
