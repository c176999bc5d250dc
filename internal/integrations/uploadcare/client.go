package uploadcare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"chatline/internal/domain"
)

const (
	defaultUploadURL = "https://upload.uploadcare.com/base/"
	defaultCDNBase   = "https://ucarecdn.com"
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("uploadcare: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client relays files through the Uploadcare direct upload API.
type Client struct {
	publicKey  string
	uploadURL  string
	cdnBase    string
	httpClient *http.Client
}

type Option func(*Client)

func WithUploadURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimSpace(u); u != "" {
			c.uploadURL = u
		}
	}
}

func WithCDNBase(u string) Option {
	return func(c *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.cdnBase = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(publicKey string, opts ...Option) (*Client, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, errors.New("uploadcare: public key is required")
	}
	c := &Client{
		publicKey:  publicKey,
		uploadURL:  defaultUploadURL,
		cdnBase:    defaultCDNBase,
		httpClient: &http.Client{Timeout: time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type uploadResponse struct {
	File string `json:"file"`
}

// Upload streams f to Uploadcare and returns its CDN URL.
func (c *Client) Upload(ctx context.Context, f domain.FileUpload) (domain.UploadedFile, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(c.writeForm(mw, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, pr)
	if err != nil {
		pr.Close()
		return domain.UploadedFile{}, fmt.Errorf("uploadcare: new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.UploadedFile{}, fmt.Errorf("uploadcare: do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.UploadedFile{}, fmt.Errorf("uploadcare: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.UploadedFile{}, &HTTPStatusError{StatusCode: resp.StatusCode, URL: c.uploadURL, Body: strings.TrimSpace(string(raw))}
	}
	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.UploadedFile{}, fmt.Errorf("uploadcare: decode response: %w", err)
	}
	if out.File == "" {
		return domain.UploadedFile{}, errors.New("uploadcare: response missing file id")
	}

	return domain.UploadedFile{
		URL:  c.CDNURL(out.File),
		Name: f.Name,
		MIME: f.MIMEType,
		Size: f.Size,
	}, nil
}

// CDNURL returns the base delivery URL for a file id; transformations may be
// appended to it.
func (c *Client) CDNURL(id string) string {
	return c.cdnBase + "/" + id + "/-/"
}

func (c *Client) writeForm(mw *multipart.Writer, f domain.FileUpload) error {
	if err := mw.WriteField("UPLOADCARE_PUB_KEY", c.publicKey); err != nil {
		return err
	}
	if err := mw.WriteField("UPLOADCARE_STORE", "auto"); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f.Body); err != nil {
		return err
	}
	return mw.Close()
}
