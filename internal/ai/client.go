package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUpstream marks provider failures (network error, non-2xx status,
// malformed body). The client never retries; callers decide.
var ErrUpstream = errors.New("upstream llm failure")

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Completion is a full non-streaming reply.
type Completion struct {
	Content   string
	Reasoning string
}

// Fragment is one normalized stream increment. Real providers set at most one
// field per fragment, but both may be present and both are honored.
type Fragment struct {
	Text      string
	Reasoning string
}

type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

func (c *Client) Complete(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (Completion, error) {
	raw, status, err := c.post(ctx, cfg, messages, false)
	if err != nil {
		return Completion{}, err
	}
	if status >= 300 {
		return Completion{}, fmt.Errorf("llm response status %d: %s: %w", status, string(raw), ErrUpstream)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, fmt.Errorf("parse llm json failed: %v: %w", err, ErrUpstream)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("empty llm choices: %w", ErrUpstream)
	}
	return Completion{
		Content:   parsed.Choices[0].Message.Content,
		Reasoning: parsed.Choices[0].Message.ReasoningContent,
	}, nil
}

// StreamComplete reads the provider's SSE stream and forwards each normalized
// fragment to onFragment in arrival order. It does not accumulate output;
// that is the caller's concern. An onFragment error aborts the stream and is
// returned as-is.
func (c *Client) StreamComplete(
	ctx context.Context,
	cfg ChatConfig,
	messages []ChatMessage,
	onFragment func(Fragment) error,
) error {
	reqBody := map[string]interface{}{
		"model":    cfg.Model,
		"messages": messages,
		"stream":   true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal llm stream request failed: %w", err)
	}

	req, err := c.newRequest(ctx, cfg, "/chat/completions", bodyBytes)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm stream request failed: %v: %w", err, ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llm stream status %d: %s: %w", resp.StatusCode, string(raw), ErrUpstream)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content          string `json:"content"`
					ReasoningContent string `json:"reasoning_content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		frag := Fragment{
			Text:      chunk.Choices[0].Delta.Content,
			Reasoning: chunk.Choices[0].Delta.ReasoningContent,
		}
		if frag.Text == "" && frag.Reasoning == "" {
			continue
		}
		if err := onFragment(frag); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan llm stream failed: %v: %w", err, ErrUpstream)
	}
	return nil
}

// ListModels proxies the provider's model listing.
func (c *Client) ListModels(ctx context.Context, cfg ChatConfig) ([]Model, error) {
	url := strings.TrimRight(cfg.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build models request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %v: %w", err, ErrUpstream)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read models response failed: %v: %w", err, ErrUpstream)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("models response status %d: %s: %w", resp.StatusCode, string(raw), ErrUpstream)
	}

	var parsed struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse models json failed: %v: %w", err, ErrUpstream)
	}
	return parsed.Data, nil
}

func (c *Client) post(ctx context.Context, cfg ChatConfig, messages []ChatMessage, stream bool) ([]byte, int, error) {
	reqBody := map[string]interface{}{
		"model":    cfg.Model,
		"messages": messages,
		"stream":   stream,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal llm request failed: %w", err)
	}

	req, err := c.newRequest(ctx, cfg, "/chat/completions", bodyBytes)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("llm request failed: %v: %w", err, ErrUpstream)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read llm response failed: %v: %w", err, ErrUpstream)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, cfg ChatConfig, path string, body []byte) (*http.Request, error) {
	url := strings.TrimRight(cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	return req, nil
}
