package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// LambdaAdapter serves an http.Handler behind a Lambda Function URL in
// response streaming mode.
type LambdaAdapter struct {
	next http.Handler
}

func NewLambdaAdapter(next http.Handler) *LambdaAdapter {
	return &LambdaAdapter{next: next}
}

// Handle returns as soon as the wrapped handler commits its status line; the
// body keeps streaming through the returned reader.
func (a *LambdaAdapter) Handle(ctx context.Context, ev events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	req, err := toHTTPRequest(ctx, ev)
	if err != nil {
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       strings.NewReader(`{"error":"invalid_request","code":"INVALID_INPUT"}`),
		}, nil
	}

	pr, pw := io.Pipe()
	w := newStreamWriter(pw)
	go func() {
		defer func() {
			w.WriteHeader(http.StatusOK)
			_ = pw.Close()
		}()
		a.next.ServeHTTP(w, req)
	}()

	select {
	case <-w.ready:
	case <-ctx.Done():
		_ = pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: w.status,
		Headers:    w.snapshot,
		Body:       pr,
	}, nil
}

func toHTTPRequest(ctx context.Context, ev events.LambdaFunctionURLRequest) (*http.Request, error) {
	body := []byte(ev.Body)
	if ev.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode body: %w", err)
		}
		body = decoded
	}

	target := ev.RawPath
	if target == "" {
		target = "/"
	}
	if ev.RawQueryString != "" {
		target += "?" + ev.RawQueryString
	}
	method := ev.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	if len(ev.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(ev.Cookies, "; "))
	}
	req.RemoteAddr = ev.RequestContext.HTTP.SourceIP
	req.ContentLength = int64(len(body))
	return req, nil
}

// streamWriter is an http.ResponseWriter whose body feeds a pipe. Headers
// are captured when the status is committed.
type streamWriter struct {
	header   http.Header
	pw       *io.PipeWriter
	once     sync.Once
	ready    chan struct{}
	status   int
	snapshot map[string]string
}

func newStreamWriter(pw *io.PipeWriter) *streamWriter {
	return &streamWriter{header: make(http.Header), pw: pw, ready: make(chan struct{})}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(code int) {
	w.once.Do(func() {
		w.status = code
		w.snapshot = make(map[string]string, len(w.header))
		for k, v := range w.header {
			w.snapshot[k] = strings.Join(v, ",")
		}
		close(w.ready)
	})
}

func (w *streamWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.pw.Write(b)
}

// Flush is a no-op; every Write is handed to the pipe reader directly.
func (w *streamWriter) Flush() {}
