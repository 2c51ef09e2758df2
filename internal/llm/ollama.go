package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/screenager/photon/internal/photonerr"
)

const defaultOllamaEndpoint = "http://localhost:11434/api/generate"

// OllamaProvider talks to a local Ollama server running a vision model such
// as llava. Always available: there is no API key.
type OllamaProvider struct {
	model    string
	endpoint string
	client   *http.Client
}

func NewOllama(model, endpoint string) *OllamaProvider {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &OllamaProvider{model: model, endpoint: endpoint, client: newHTTPClient()}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) IsAvailable() bool { return true }

type ollamaRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type ollamaResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

func (p *OllamaProvider) Describe(ctx context.Context, img ImageInput, prompt string) (*Response, error) {
	req := ollamaRequest{
		Model:  p.model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(img.Bytes)},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("marshal request: %w", err))
	}

	t0 := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, photonerr.LLM(img.Path, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, photonerr.LLM(img.Path, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, photonerr.LLM(img.Path, resp.StatusCode,
			fmt.Errorf("ollama %d: %s", resp.StatusCode, truncate(string(respBody), 300)))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("parse response: %w", err))
	}
	text := strings.TrimSpace(parsed.Response)
	if text == "" {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("empty completion"))
	}

	return &Response{
		Text:       text,
		Model:      p.model,
		TokensUsed: parsed.EvalCount,
		LatencyMs:  time.Since(t0).Milliseconds(),
	}, nil
}
