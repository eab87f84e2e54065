package llamahttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pocketllm/internal/engine"
)

// Client drives a local inference host (llama.cpp server style) over HTTP.
// Model management uses the host's /v1/models endpoints; generation uses the
// OpenAI-compatible /v1/chat/completions endpoint with SSE streaming.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		// No overall timeout: downloads and streams are long-lived and are
		// bounded by the request context instead.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ engine.Engine = (*Client)(nil)

func (c *Client) IsDownloaded(ctx context.Context, modelID string) (bool, error) {
	body, status, err := c.doOnce(ctx, http.MethodGet, c.modelURL(modelID, ""), nil)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status < 200 || status > 299 {
		return false, fmt.Errorf("engine status %d", status)
	}

	var resp struct {
		Downloaded bool `json:"downloaded"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode model status: %w", err)
	}
	return resp.Downloaded, nil
}

func (c *Client) Download(ctx context.Context, modelID string, onProgress func(percent int)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL(modelID, "pull"), nil)
	if err != nil {
		return fmt.Errorf("build pull request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("engine pull status %d", resp.StatusCode)
	}

	// The host reports progress as a stream of JSON lines until the pull
	// completes or fails.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev struct {
			Status  string `json:"status"`
			Percent int    `json:"percent"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Error != "" {
			return fmt.Errorf("engine pull failed: %s", ev.Error)
		}
		if onProgress != nil {
			onProgress(clampPercent(ev.Percent))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pull progress: %w", err)
	}
	return nil
}

func (c *Client) Prepare(ctx context.Context, modelID string) error {
	return c.doRetry(ctx, http.MethodPost, c.modelURL(modelID, "load"))
}

func (c *Client) Unload(ctx context.Context, modelID string) error {
	return c.doRetry(ctx, http.MethodPost, c.modelURL(modelID, "unload"))
}

func (c *Client) Remove(ctx context.Context, modelID string) error {
	return c.doRetry(ctx, http.MethodDelete, c.modelURL(modelID, ""))
}

func (c *Client) Chat(ctx context.Context, modelID string, messages []engine.Message, onDelta func(delta string)) error {
	payload, err := json.Marshal(map[string]any{
		"model":    modelID,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL("v1/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("engine chat status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read chat stream: %w", err)
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, modelID string, prompt string, onDelta func(delta string)) error {
	return c.Chat(ctx, modelID, []engine.Message{{Role: engine.RoleUser, Content: prompt}}, onDelta)
}

func (c *Client) doRetry(ctx context.Context, method, endpoint string) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		body, status, err := c.doOnce(ctx, method, endpoint, nil)
		if err == nil && status >= 200 && status <= 299 {
			return nil
		}
		retry := false
		if err != nil {
			lastErr = err
			retry = true
		} else {
			lastErr = fmt.Errorf("engine status %d: %s", status, strings.TrimSpace(string(body)))
			retry = status >= 500 || status == http.StatusTooManyRequests
		}
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return b, resp.StatusCode, nil
}

func (c *Client) modelURL(modelID, action string) string {
	p := "v1/models/" + url.PathEscape(modelID)
	if action != "" {
		p += "/" + action
	}
	return c.endpointURL(p)
}

func (c *Client) endpointURL(p string) string {
	return strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/") + "/" + p
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
