// Package llm is the streaming client for the external language model
// service. It owns no conversation state — the orchestrator supplies the
// full prompt (system + history + the new user turn) on every call.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Client streams chat completions from an OpenAI-compatible HTTP endpoint.
// Cancelling ctx passed to StreamReply closes the underlying connection
// promptly, per the adapter's uniform cancel-on-context contract.
type Client struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(url, apiKey, model string) *Client {
	return &Client{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		model:  model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// StreamReply opens a streaming completion call with systemPrompt + history
// + the new user turn, and invokes onDelta for every non-empty token as it
// arrives. It returns the full concatenated reply text once the stream
// closes, or an error if the call failed or was cancelled mid-stream.
func (c *Client) StreamReply(ctx context.Context, systemPrompt string, history []Message, userText string, onDelta func(string) error) (string, error) {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userText})

	payload, err := json.Marshal(request{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send llm request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("llm http status %d: %s", res.StatusCode, string(body))
	}

	return c.consumeStream(res.Body, onDelta)
}

func (c *Client) consumeStream(body io.Reader, onDelta func(string) error) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := extractDelta(line)
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("llm stream read: %w", err)
	}
	return out.String(), nil
}

// extractDelta reads an OpenAI-style chat.completion.chunk line, falling
// back to a loose {"text"|"delta"|"output"|"message": "..."} shape for
// non-OpenAI-compatible endpoints.
func extractDelta(line string) string {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(line), &chunk); err == nil && len(chunk.Choices) > 0 {
		return chunk.Choices[0].Delta.Content
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err == nil {
		for _, k := range []string{"text", "delta", "output", "message"} {
			if v, ok := obj[k].(string); ok {
				return v
			}
		}
		return ""
	}
	return line
}
