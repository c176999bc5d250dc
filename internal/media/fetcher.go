package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"chatline/internal/domain"
)

const (
	defaultMaxDimension = 1568
	defaultMaxBytes     = 20 << 20
	jpegQuality         = 85
)

// HTTPStatusError captures a non-2xx response from an image origin.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("media: unexpected status %d from %s", e.StatusCode, e.URL)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Fetcher downloads remote images and re-encodes oversized ones so they can
// be sent to a model inline.
type Fetcher struct {
	httpClient *http.Client
	variants   func(string) []string
	maxDim     int
	maxBytes   int64
}

type Option func(*Fetcher)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = httpClient
	}
}

// WithVariants sets the function listing candidate URLs for one image, in
// the order they should be tried.
func WithVariants(fn func(string) []string) Option {
	return func(f *Fetcher) {
		f.variants = fn
	}
}

func WithMaxDimension(px int) Option {
	return func(f *Fetcher) {
		if px > 0 {
			f.maxDim = px
		}
	}
}

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		variants:   UploadcareVariants,
		maxDim:     defaultMaxDimension,
		maxBytes:   defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch tries each URL variant in order and returns the first image that
// downloads successfully.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (domain.Image, error) {
	candidates := []string{rawURL}
	if f.variants != nil {
		candidates = f.variants(rawURL)
	}
	var errs []error
	for _, u := range candidates {
		img, err := f.fetchOne(ctx, u)
		if err == nil {
			img.URL = rawURL
			return img, nil
		}
		if ctx.Err() != nil {
			return domain.Image{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return domain.Image{}, errors.New("media: no url to fetch")
	}
	return domain.Image{}, errors.Join(errs...)
}

func (f *Fetcher) fetchOne(ctx context.Context, u string) (domain.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Image{}, fmt.Errorf("media: create request: %w", err)
	}
	res, err := f.httpClient.Do(req)
	if err != nil {
		return domain.Image{}, fmt.Errorf("media: get %s: %w", u, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.Image{}, &HTTPStatusError{StatusCode: res.StatusCode, URL: u}
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, f.maxBytes))
	if err != nil {
		return domain.Image{}, fmt.Errorf("media: read %s: %w", u, err)
	}
	if len(raw) == 0 {
		return domain.Image{}, fmt.Errorf("media: empty body from %s", u)
	}
	return f.shrink(raw, contentType(res.Header.Get("Content-Type")))
}

// shrink keeps small JPEG and PNG images as-is and re-encodes anything else
// as a JPEG that fits within maxDim on both sides.
func (f *Fetcher) shrink(raw []byte, mimeType string) (domain.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		if strings.HasPrefix(mimeType, "image/") {
			return domain.Image{MIMEType: mimeType, Data: raw}, nil
		}
		return domain.Image{}, fmt.Errorf("media: decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= f.maxDim && b.Dy() <= f.maxDim && (mimeType == "image/jpeg" || mimeType == "image/png") {
		return domain.Image{MIMEType: mimeType, Data: raw}, nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Fit(img, f.maxDim, f.maxDim, imaging.Lanczos), imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return domain.Image{}, fmt.Errorf("media: encode jpeg: %w", err)
	}
	return domain.Image{MIMEType: "image/jpeg", Data: buf.Bytes()}, nil
}

func contentType(header string) string {
	mt, _, _ := strings.Cut(header, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

const uploadcareHost = "ucarecdn.com"

// UploadcareVariants lists the canonical, preview and JPEG-converted CDN
// forms of an Uploadcare file, in that order. Other URLs are returned
// unchanged.
func UploadcareVariants(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host != uploadcareHost {
		return []string{rawURL}
	}
	id, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if id == "" {
		return []string{rawURL}
	}
	base := "https://" + uploadcareHost + "/" + id + "/"
	return []string{base, base + "-/preview/", base + "-/format/jpeg/"}
}
