package handler

import (
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"chatline/internal/domain"
	"chatline/internal/usecase"
)

type chatRequest struct {
	Messages      []domain.ChatMessage `json:"messages"`
	Model         string               `json:"model"`
	Attachments   []domain.Attachment  `json:"attachments"`
	TemporaryChat bool                 `json:"temporaryChat"`
	ThreadID      string               `json:"threadId"`
}

// handleChat streams the reply as chunked plain text. Failures before the
// first chunk are reported as JSON; later failures truncate the body.
func (h *Handler) handleChat(c *echo.Context) error {
	r := c.Request()
	ctx := r.Context()

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(c.Response(), r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		return writeError(c, invalidInput("invalid_body", err))
	}

	reply, err := h.chat.Start(ctx, usecase.ChatInput{
		Owner:       ownerOf(c),
		ThreadID:    strings.TrimSpace(req.ThreadID),
		Messages:    req.Messages,
		ModelHint:   req.Model,
		Attachments: req.Attachments,
		Temporary:   req.TemporaryChat,
	})
	if err != nil {
		return writeError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(headerModel, reply.Model)
	if reply.ThreadID != "" {
		w.Header().Set(headerThreadID, reply.ThreadID)
	}
	w.WriteHeader(http.StatusOK)

	if err := reply.Stream(ctx, w); err != nil {
		slog.WarnContext(ctx, "chat stream ended early",
			"correlation_id", correlationID(ctx), "thread_id", reply.ThreadID, "model", reply.Model, "err", err)
	}
	return nil
}

type uploadResponse struct {
	Files []domain.UploadedFile `json:"files"`
}

func (h *Handler) handleUploads(c *echo.Context) error {
	r := c.Request()
	if !strings.HasPrefix(strings.ToLower(r.Header.Get(echo.HeaderContentType)), "multipart/form-data") {
		return writeError(c, invalidInput("expected multipart/form-data", nil))
	}
	r.Body = http.MaxBytesReader(c.Response(), r.Body, maxUploadBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return writeError(c, invalidInput("invalid_multipart", err))
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files[]"]
	if len(headers) > usecase.MaxUploadFiles {
		return writeError(c, invalidInput("too many files", nil))
	}

	files := make([]domain.FileUpload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return writeError(c, invalidInput("unreadable_file", err))
		}
		defer f.Close()
		files = append(files, toFileUpload(fh, f))
	}

	uploaded, err := h.uploads.Upload(r.Context(), files)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, uploadResponse{Files: uploaded})
}

func toFileUpload(fh *multipart.FileHeader, f multipart.File) domain.FileUpload {
	return domain.FileUpload{
		Name:     fh.Filename,
		MIMEType: fh.Header.Get(echo.HeaderContentType),
		Size:     fh.Size,
		Body:     f,
	}
}
