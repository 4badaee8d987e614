// Package embedding implements the Embedder external collaborator: a raw
// HTTP client that turns text into fixed-dimension float vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrerrors"
)

// httpClient is shared by every Embedder instance; otelhttp wraps outbound
// calls to the embedding endpoint in spans (§10 "Observability").
var httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

// Embedder encodes text into float32 vectors. Implementations must be safe
// for concurrent use: VectorIndex reads and writes both call through it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// httpEmbedder is the default Embedder, bound to one named model and its
// declared dimension (the write-model or read-model of the dual-model
// option in §4.1).
type httpEmbedder struct {
	cfg   hmlrconfig.EmbeddingConfig
	model string
	dims  int
}

// New constructs an Embedder for the given model/dimension pair.
func New(cfg hmlrconfig.EmbeddingConfig, model string, dims int) Embedder {
	return &httpEmbedder{cfg: cfg, model: model, dims: dims}
}

func (e *httpEmbedder) Dimensions() int   { return e.dims }
func (e *httpEmbedder) ModelName() string { return e.model }

// Embed calls the configured embedding endpoint and returns one embedding
// per input string.
func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	reqBody, _ := json.Marshal(embedReq{Model: e.model, Input: inputs})

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, hmlrerrors.NewApiConnectionError("embed.request", err)
	}
	if e.cfg.APIHeader == "Authorization" || e.cfg.APIHeader == "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	} else {
		req.Header.Set(e.cfg.APIHeader, e.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, hmlrerrors.NewApiConnectionError("embed.do", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, hmlrerrors.NewApiConnectionError("embed.read", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, hmlrerrors.NewApiConnectionError("embed.status", fmt.Errorf("%s: %s", resp.Status, string(bodyBytes)))
	}

	var er embedResp
	if err := json.Unmarshal(bodyBytes, &er); err != nil {
		return nil, hmlrerrors.NewApiConnectionError("embed.unmarshal", fmt.Errorf("parse embedding response (input count: %d, response: %s): %w",
			len(inputs), string(bodyBytes[:min(200, len(bodyBytes))]), err))
	}
	if len(er.Data) != len(inputs) {
		return nil, hmlrerrors.NewApiConnectionError("embed.count", fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(inputs)))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		if len(er.Data[i].Embedding) != e.dims {
			return nil, hmlrerrors.NewSchemaMismatch(e.dims, len(er.Data[i].Embedding))
		}
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// CheckReachability verifies that the embedding endpoint is reachable and
// responding correctly by sending a small test request.
func CheckReachability(ctx context.Context, e Embedder) error {
	if _, err := e.Embed(ctx, []string{"ping"}); err != nil {
		return fmt.Errorf("embedding endpoint reachability check failed: %w", err)
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
