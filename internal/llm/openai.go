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

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider talks to any OpenAI-compatible chat-completions endpoint
// with vision support. The image travels as a base64 data URL.
type OpenAIProvider struct {
	model    string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewOpenAI builds the provider. apiKeyEnv names the environment variable
// holding the key; endpoint may be empty for the OpenAI default.
func NewOpenAI(model, endpoint, apiKeyEnv string) *OpenAIProvider {
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	return &OpenAIProvider{
		model:    model,
		endpoint: endpoint,
		apiKey:   os.Getenv(apiKeyEnv),
		client:   newHTTPClient(),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) IsAvailable() bool { return p.apiKey != "" }

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content []openAIContent `json:"content"`
}

type openAIContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) Describe(ctx context.Context, img ImageInput, prompt string) (*Response, error) {
	dataURL := "data:" + img.MIME + ";base64," + base64.StdEncoding.EncodeToString(img.Bytes)
	req := openAIRequest{
		Model:     p.model,
		MaxTokens: 300,
		Messages: []openAIMessage{{
			Role: "user",
			Content: []openAIContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}},
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
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
			fmt.Errorf("openai %d: %s", resp.StatusCode, truncate(string(respBody), 300)))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("parse response: %w", err))
	}
	if parsed.Error != nil {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("openai: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, photonerr.LLM(img.Path, 0, fmt.Errorf("empty completion"))
	}

	return &Response{
		Text:       strings.TrimSpace(parsed.Choices[0].Message.Content),
		Model:      p.model,
		TokensUsed: parsed.Usage.TotalTokens,
		LatencyMs:  time.Since(t0).Milliseconds(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
