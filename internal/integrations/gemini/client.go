package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"chatline/internal/domain"
)

// KeySource yields the API key. It is consulted once, on the first request.
type KeySource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d (%s): %s", e.StatusCode, e.Status, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	key        KeySource
	baseURL    string
	httpClient *http.Client

	apiOnce sync.Once
	api     *genai.Client
	apiErr  error
}

type Option func(*Client)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(key KeySource, opts ...Option) (*Client, error) {
	if key == nil {
		return nil, errors.New("gemini: key source must not be nil")
	}
	c := &Client{key: key}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (*genai.Client, error) {
	c.apiOnce.Do(func() {
		key, err := c.key.Value(ctx)
		if err != nil {
			c.apiErr = fmt.Errorf("gemini: resolve api key: %w", err)
			return
		}
		cfg := &genai.ClientConfig{
			APIKey:     key,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: c.httpClient,
		}
		if c.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
		}
		c.api, c.apiErr = genai.NewClient(ctx, cfg)
		if c.apiErr != nil {
			c.apiErr = fmt.Errorf("gemini: new client: %w", c.apiErr)
		}
	})
	return c.api, c.apiErr
}

// Stream opens a streaming generation. The first upstream response is read
// eagerly so that request failures surface here rather than mid-stream.
func (c *Client) Stream(ctx context.Context, req domain.GenerateRequest) (domain.TokenStream, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	contents, cfg := toRequest(req)
	next, stop := iter.Pull2(api.Models.GenerateContentStream(ctx, req.Model, contents, cfg))

	s := &tokenStream{next: next, stop: stop}
	resp, err, ok := next()
	if ok && err != nil {
		stop()
		return nil, wrap(err)
	}
	if !ok {
		s.done = true
		return s, nil
	}
	s.pending = responseText(resp)
	s.hasPending = true
	return s, nil
}

func wrap(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &HTTPStatusError{StatusCode: apiErr.Code, Status: apiErr.Status, Message: apiErr.Message}
	}
	return fmt.Errorf("gemini: stream: %w", err)
}

func toRequest(req domain.GenerateRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	// Gemini has no system role in contents; system turns join the instruction.
	var system []string
	if s := strings.TrimSpace(req.System); s != "" {
		system = append(system, s)
	}
	contents := make([]*genai.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		if t.Role == domain.RoleSystem {
			if s := strings.TrimSpace(turnText(t)); s != "" {
				system = append(system, s)
			}
			continue
		}
		contents = append(contents, toContent(t))
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return contents, cfg
}

func turnText(t domain.Turn) string {
	var texts []string
	for _, p := range t.Parts {
		if p.Type == domain.PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func toContent(t domain.Turn) *genai.Content {
	var role genai.Role = genai.RoleUser
	if t.Role == domain.RoleAssistant {
		role = genai.RoleModel
	}
	parts := make([]*genai.Part, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch {
		case p.Type == domain.PartText:
			parts = append(parts, genai.NewPartFromText(p.Text))
		case p.Type == domain.PartImage && p.Image != nil && p.Image.Inline():
			parts = append(parts, genai.NewPartFromBytes(p.Image.Data, p.Image.MIMEType))
		case p.Type == domain.PartImage && p.Image != nil && p.Image.URL != "":
			mime := p.Image.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			parts = append(parts, genai.NewPartFromURI(p.Image.URL, mime))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, genai.NewPartFromText(""))
	}
	return genai.NewContentFromParts(parts, role)
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	return resp.Text()
}

type tokenStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	pending    string
	hasPending bool
	cur        string
	err        error
	done       bool
}

func (s *tokenStream) Next() bool {
	if s.hasPending {
		s.hasPending = false
		if s.pending != "" {
			s.cur = s.pending
			return true
		}
	}
	for !s.done {
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			return false
		}
		if err != nil {
			s.err = wrap(err)
			s.done = true
			return false
		}
		if text := responseText(resp); text != "" {
			s.cur = text
			return true
		}
	}
	return false
}

func (s *tokenStream) Chunk() string { return s.cur }

func (s *tokenStream) Err() error { return s.err }

func (s *tokenStream) Close() error {
	s.stop()
	return nil
}
