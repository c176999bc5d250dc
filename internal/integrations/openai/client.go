package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"chatline/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// KeySource yields the API key. It is consulted once, on the first request.
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
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client streams chat completions from any OpenAI-compatible endpoint.
type Client struct {
	key        KeySource
	baseURL    string
	httpClient *http.Client
	model      string

	apiOnce sync.Once
	api     *goopenai.Client
	apiErr  error
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

// WithModel pins every request to one model regardless of the routed id.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

func NewClient(key KeySource, opts ...Option) (*Client, error) {
	if key == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	c := &Client{
		key:        key,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (*goopenai.Client, error) {
	c.apiOnce.Do(func() {
		key, err := c.key.Value(ctx)
		if err != nil {
			c.apiErr = fmt.Errorf("openai: resolve api key: %w", err)
			return
		}
		cfg := goopenai.DefaultConfig(key)
		cfg.BaseURL = c.baseURL
		if c.httpClient != nil {
			cfg.HTTPClient = c.httpClient
		}
		c.api = goopenai.NewClientWithConfig(cfg)
	})
	return c.api, c.apiErr
}

// modelName strips the routing namespace so ids like "models/gemini-2.5-flash"
// work against OpenAI-compatible gateways.
func (c *Client) modelName(routed string) string {
	if c.model != "" {
		return c.model
	}
	return strings.TrimPrefix(routed, "models/")
}

func (c *Client) Stream(ctx context.Context, req domain.GenerateRequest) (domain.TokenStream, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := api.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:     c.modelName(req.Model),
		Messages:  toMessages(req),
		MaxTokens: req.MaxOutputTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, c.wrap(err)
	}
	return &tokenStream{stream: stream}, nil
}

func (c *Client) wrap(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, URL: c.baseURL, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, URL: c.baseURL, Body: string(reqErr.Body)}
	}
	return fmt.Errorf("openai: create stream: %w", err)
}

func toMessages(req domain.GenerateRequest) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, t := range req.Turns {
		msgs = append(msgs, toMessage(t))
	}
	return msgs
}

func toMessage(t domain.Turn) goopenai.ChatCompletionMessage {
	role := string(t.Role)
	hasImage := false
	for _, p := range t.Parts {
		if p.Type == domain.PartImage && p.Image != nil {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return goopenai.ChatCompletionMessage{Role: role, Content: t.Text()}
	}
	parts := make([]goopenai.ChatMessagePart, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch {
		case p.Type == domain.PartText && p.Text != "":
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: p.Text})
		case p.Type == domain.PartImage && p.Image != nil:
			url := p.Image.URL
			if p.Image.Inline() {
				url = p.Image.DataURL()
			}
			parts = append(parts, goopenai.ChatMessagePart{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: url, Detail: goopenai.ImageURLDetailAuto},
			})
		}
	}
	return goopenai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// tokenStream adapts a completion stream to domain.TokenStream.
type tokenStream struct {
	stream *goopenai.ChatCompletionStream
	cur    string
	err    error
	done   bool
}

func (s *tokenStream) Next() bool {
	for !s.done {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return false
		}
		if err != nil {
			s.err = fmt.Errorf("openai: stream: %w", err)
			s.done = true
			return false
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		s.cur = resp.Choices[0].Delta.Content
		return true
	}
	return false
}

func (s *tokenStream) Chunk() string { return s.cur }

func (s *tokenStream) Err() error { return s.err }

func (s *tokenStream) Close() error {
	return s.stream.Close()
}
