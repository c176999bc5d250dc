package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"chatline/internal/domain"
)

// MaxUploadFiles bounds a single upload request.
const MaxUploadFiles = 10

const defaultUploadMIME = "application/octet-stream"

type Uploader interface {
	Upload(ctx context.Context, f domain.FileUpload) (domain.UploadedFile, error)
}

// UploadService relays client files to the configured CDN backend.
type UploadService struct {
	uploader Uploader
}

// NewUploadService accepts a nil uploader; uploads then yield no files.
func NewUploadService(uploader Uploader) *UploadService {
	return &UploadService{uploader: uploader}
}

func (s *UploadService) Upload(ctx context.Context, files []domain.FileUpload) ([]domain.UploadedFile, error) {
	if len(files) > MaxUploadFiles {
		return nil, newError(ErrorInvalidInput, fmt.Sprintf("too many files (max %d)", MaxUploadFiles), nil)
	}
	out := make([]domain.UploadedFile, 0, len(files))
	if len(files) == 0 {
		return out, nil
	}
	if s.uploader == nil {
		slog.Warn("upload backend not configured, dropping files", "count", len(files))
		return out, nil
	}

	for _, f := range files {
		if f.MIMEType == "" {
			f.MIMEType = defaultUploadMIME
		}
		uploaded, err := s.uploader.Upload(ctx, f)
		if err != nil {
			return nil, newError(ErrorUpstream, "upload_failed", err)
		}
		out = append(out, uploaded)
	}
	return out, nil
}
