// Package openai is a thin client for OpenAI-compatible chat-completion and
// image APIs. It transports prompts; it does not build them.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bookpipe/bookpipe/pkg/models"
)

type Provider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func New(baseURL, apiKey, model string, timeout time.Duration) *Provider {
	return &Provider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	messages := []chatMessage{}
	if req.Context != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.Context})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{Model: p.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	respBody, err := p.post(ctx, "/chat/completions", body, req.APIKey)
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: no completion choices", models.ErrEmptyResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (p *Provider) Illustrate(ctx context.Context, req models.IllustrationRequest) ([]byte, error) {
	prompt := req.Prompt
	if req.Style != "" {
		prompt = prompt + "\n\nStyle: " + req.Style
	}

	body, err := json.Marshal(imageRequest{Model: "dall-e-3", Prompt: prompt, ResponseFormat: "b64_json"})
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	respBody, err := p.post(ctx, "/images/generations", body, req.APIKey)
	if err != nil {
		return nil, err
	}

	var parsed imageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse image response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("%w: no image data", models.ErrEmptyResponse)
	}

	img, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return img, nil
}

func (p *Provider) post(ctx context.Context, path string, body []byte, keyOverride string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	key := p.apiKey
	if keyOverride != "" {
		key = keyOverride
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ models.Provider = (*Provider)(nil)
