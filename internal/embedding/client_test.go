package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
)

func writeEmbeddingResponse(w http.ResponseWriter, dims int) {
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = 0.1
	}
	resp := map[string]any{"data": []map[string]any{{"embedding": vec}}}
	b, _ := json.Marshal(resp)
	w.Write(b)
}

func TestEmbed_DefaultAuthorizationHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeEmbeddingResponse(w, 1)
	}))
	defer ts.Close()

	e := New(hmlrconfig.EmbeddingConfig{Endpoint: ts.URL, APIKey: "secret"}, "m", 1)
	out, err := e.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestEmbed_CustomAPIHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "abc", r.Header.Get("x-api-key"))
		writeEmbeddingResponse(w, 1)
	}))
	defer ts.Close()

	e := New(hmlrconfig.EmbeddingConfig{Endpoint: ts.URL, APIKey: "abc", APIHeader: "x-api-key"}, "m", 1)
	_, err := e.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
}

func TestEmbed_DimensionMismatchIsSchemaMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddingResponse(w, 3)
	}))
	defer ts.Close()

	e := New(hmlrconfig.EmbeddingConfig{Endpoint: ts.URL, APIKey: "s"}, "m", 8)
	_, err := e.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
}

func TestEmbed_CountMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	e := New(hmlrconfig.EmbeddingConfig{Endpoint: ts.URL, APIKey: "s"}, "m", 1)
	_, err := e.Embed(context.Background(), []string{"x", "y"})
	require.Error(t, err)
}

func TestEmbed_EmptyInputShortCircuits(t *testing.T) {
	e := New(hmlrconfig.EmbeddingConfig{Endpoint: "http://unused"}, "m", 1)
	out, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestCheckReachability_PropagatesError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	e := New(hmlrconfig.EmbeddingConfig{Endpoint: ts.URL, APIKey: "s"}, "m", 1)
	require.Error(t, CheckReachability(context.Background(), e))
}
