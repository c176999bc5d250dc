package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"chatline/internal/domain"
	"chatline/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerThreadID      = "X-Thread-Id"
	headerModel         = "X-Model"

	ownerKey = "owner"

	maxChatBodyBytes   = 8 << 20
	maxUploadBodyBytes = 64 << 20
)

type ChatUseCase interface {
	Start(ctx context.Context, in usecase.ChatInput) (*usecase.ChatReply, error)
}

type ThreadUseCase interface {
	List(ctx context.Context, owner string, limit int, cursor string) (usecase.ThreadPage, error)
	Create(ctx context.Context, owner, title string) (domain.Thread, error)
	Messages(ctx context.Context, owner, threadID string, limit int, cursor string) (usecase.MessagePage, error)
	Delete(ctx context.Context, owner, threadID string) error
	EditMessage(ctx context.Context, owner, messageID, text string) (string, error)
}

type UploadUseCase interface {
	Upload(ctx context.Context, files []domain.FileUpload) ([]domain.UploadedFile, error)
}

// Authenticator maps an Authorization header to an owner id. An empty owner
// with a nil error is an anonymous caller.
type Authenticator interface {
	Owner(header string) (string, error)
}

type anonymous struct{}

func (anonymous) Owner(string) (string, error) { return "", nil }

// Handler serves the chat API.
type Handler struct {
	chat    ChatUseCase
	threads ThreadUseCase
	uploads UploadUseCase
	auth    Authenticator
	echo    *echo.Echo
}

type Option func(*Handler)

func WithAuthenticator(a Authenticator) Option {
	return func(h *Handler) {
		if a != nil {
			h.auth = a
		}
	}
}

func NewHandler(chat ChatUseCase, threads ThreadUseCase, uploads UploadUseCase, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if threads == nil {
		return nil, errors.New("handler: thread use case must not be nil")
	}
	if uploads == nil {
		return nil, errors.New("handler: upload use case must not be nil")
	}
	h := &Handler{chat: chat, threads: threads, uploads: uploads, auth: anonymous{}}
	for _, opt := range opts {
		opt(h)
	}
	h.echo = h.routes()
	return h, nil
}

func (h *Handler) routes() *echo.Echo {
	e := echo.New()
	api := e.Group("/api", h.authenticate)
	api.POST("/chat", h.handleChat)
	api.POST("/uploads", h.handleUploads)
	api.GET("/threads", h.listThreads)
	api.POST("/threads", h.createThread)
	api.DELETE("/threads/:id", h.deleteThread)
	api.GET("/threads/:id/messages", h.listMessages)
	api.POST("/messages/:id/edit", h.editMessage)
	return e
}

// ServeHTTP assigns a correlation id, routes the request and writes one
// access log line.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, correlationID)
	r = r.WithContext(withCorrelationID(r.Context(), correlationID))

	rec := &statusRecorder{ResponseWriter: w}
	h.echo.ServeHTTP(rec, r)

	slog.InfoContext(r.Context(), "request",
		"correlation_id", correlationID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status(),
		"thread_id", rec.Header().Get(headerThreadID),
		"model", rec.Header().Get(headerModel),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		owner, err := h.auth.Owner(c.Request().Header.Get("Authorization"))
		if err != nil {
			slog.InfoContext(c.Request().Context(), "rejected bearer token",
				"correlation_id", correlationID(c.Request().Context()), "err", err)
			return writeError(c, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token", Err: err})
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

func ownerOf(c *echo.Context) string {
	owner, _ := c.Get(ownerKey).(string)
	return owner
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *echo.Context, err error) error {
	ctx := c.Request().Context()
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	status := statusFor(ucErr.Code)
	attrs := []any{"correlation_id", correlationID(ctx), "code", ucErr.Code, "reason", ucErr.Reason}
	if ucErr.Err != nil {
		attrs = append(attrs, "err", ucErr.Err)
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", attrs...)
	} else {
		slog.InfoContext(ctx, "request rejected", attrs...)
	}
	return c.JSON(status, errorResponse{Error: ucErr.Reason, Code: string(ucErr.Code)})
}

func invalidInput(reason string, err error) *usecase.Error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: reason, Err: err}
}

type correlationKey struct{}

func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// statusRecorder remembers the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}
