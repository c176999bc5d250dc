package mem0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatline/internal/domain"
)

const defaultBaseURL = "https://api.mem0.ai"

// KeySource yields the API key. Implementations are expected to cache.
type KeySource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("mem0: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the hosted mem0 REST API.
type Client struct {
	key        KeySource
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimRight(strings.TrimSpace(baseURL), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(key KeySource, opts ...Option) (*Client, error) {
	if key == nil {
		return nil, errors.New("mem0: key source must not be nil")
	}
	c := &Client{
		key:        key,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type searchRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters"`
	TopK    int            `json:"top_k,omitempty"`
}

type searchItem struct {
	ID       string         `json:"id"`
	Memory   string         `json:"memory"`
	Text     string         `json:"text"`
	Content  string         `json:"content"`
	Score    *float64       `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Search returns the owner's facts. With a thread id the filter also admits
// facts tagged with that thread.
func (c *Client) Search(ctx context.Context, q domain.MemoryQuery) ([]domain.Fact, error) {
	or := []map[string]any{{"user_id": q.Owner}}
	if q.ThreadID != "" {
		or = append(or, map[string]any{"metadata": map[string]string{"threadId": q.ThreadID}})
	}
	body := searchRequest{Query: q.Query, Filters: map[string]any{"OR": or}, TopK: q.TopK}

	var items []searchItem
	if err := c.do(ctx, "/v2/memories/search/", body, &items); err != nil {
		return nil, err
	}

	facts := make([]domain.Fact, 0, len(items))
	for _, it := range items {
		text := firstNonEmpty(it.Memory, it.Text, it.Content)
		if strings.TrimSpace(text) == "" {
			continue
		}
		facts = append(facts, domain.Fact{ID: it.ID, Text: text, Score: it.Score, Metadata: stringify(it.Metadata)})
	}
	return facts, nil
}

type addMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type addRequest struct {
	Messages []addMessage      `json:"messages"`
	UserID   string            `json:"user_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (c *Client) Add(ctx context.Context, rec domain.MemoryRecord) error {
	body := addRequest{
		Messages: []addMessage{{Role: string(domain.RoleUser), Content: rec.Text}},
		UserID:   rec.Owner,
	}
	if rec.ThreadID != "" {
		body.Metadata = map[string]string{"threadId": rec.ThreadID}
	}
	return c.do(ctx, "/v1/memories/", body, nil)
}

func (c *Client) do(ctx context.Context, path string, in, out any) error {
	key, err := c.key.Value(ctx)
	if err != nil {
		return fmt.Errorf("mem0: resolve api key: %w", err)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("mem0: marshal request: %w", err)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mem0: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mem0: do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mem0: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mem0: decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringify(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
