package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/screenager/photon/internal/photonerr"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic messages API. The image travels
// as a base64 source block rather than a data URL.
type AnthropicProvider struct {
	model    string
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewAnthropic(model, endpoint, apiKeyEnv string) *AnthropicProvider {
	if endpoint == "" {
		endpoint = defaultAnthropicEndpoint
	}
	return &AnthropicProvider{
		model:    model,
		endpoint: endpoint,
		apiKey:   os.Getenv(apiKeyEnv),
		client:   newHTTPClient(),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) IsAvailable() bool { return p.apiKey != "" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Describe(ctx context.Context, img ImageInput, prompt string) (*Response, error) {
	req := anthropicRequest{
		Model:     p.model,
		MaxTokens: 300,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicBlock{
				{Type: "image", Source: &anthropicSource{
					Type:      "base64",
					MediaType: img.MIME,
					Data:      base64.StdEncoding.EncodeToString(img.Bytes),
				}},
				{Type: "text", Text: prompt},
			},
		}},
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
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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
			fmt.Errorf("anthropic %d: %s", resp.StatusCode, truncate(string(respBody), 300)))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("parse response: %w", err))
	}
	if parsed.Error != nil {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("anthropic: %s", parsed.Error.Message))
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("empty completion"))
	}

	return &Response{
		Text:       text,
		Model:      p.model,
		TokensUsed: parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		LatencyMs:  time.Since(t0).Milliseconds(),
	}, nil
}
