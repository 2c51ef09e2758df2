// Package llm implements the optional description-enrichment pass: a
// bounded-concurrency post-processor that sends each image plus its detected
// tags to a pluggable vision-language provider and emits enrichment patches
// keyed by content hash.
package llm

import (
	"context"
	"net/http"
)

// ImageInput carries the raw image for a provider call.
type ImageInput struct {
	Path  string
	Bytes []byte
	MIME  string
}

// Response is a successful provider reply.
type Response struct {
	Text       string
	Model      string
	TokensUsed int
	LatencyMs  int64
}

// Provider is the adapter contract for LLM backends. Implementations must
// not enforce their own HTTP-client timeouts: the enricher owns the timeout
// through ctx.
type Provider interface {
	Name() string
	IsAvailable() bool
	// Describe sends the image and prompt and returns the generated text.
	// Failures are reported as *photonerr.Error with the HTTP status code
	// when one was available.
	Describe(ctx context.Context, img ImageInput, prompt string) (*Response, error)
}

// EnrichmentPatch is the output record produced for a successfully enriched
// image. Consumers join it to the core record by content hash.
type EnrichmentPatch struct {
	ContentHash  string `json:"content_hash"`
	Description  string `json:"description"`
	LLMModel     string `json:"llm_model"`
	LLMLatencyMs int64  `json:"llm_latency_ms"`
	LLMTokens    int    `json:"llm_tokens,omitempty"`
}

// newHTTPClient builds the shared provider transport. Deliberately no
// client-level timeout; per-request deadlines come from the caller's ctx.
func newHTTPClient() *http.Client {
	return &http.Client{}
}
