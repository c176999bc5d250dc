package s3upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"chatline/internal/domain"
)

// uploadAPI is the subset of *manager.Uploader used here.
type uploadAPI interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Uploader stores files in an S3 bucket fronted by a public base URL.
type Uploader struct {
	api     uploadAPI
	bucket  string
	prefix  string
	baseURL string
	newID   func() string
}

// New wraps an S3 client in a multipart-capable manager.Uploader.
func New(client *s3.Client, bucket, prefix, publicBaseURL string) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("s3upload: client must not be nil")
	}
	return newUploader(manager.NewUploader(client), bucket, prefix, publicBaseURL)
}

func newUploader(api uploadAPI, bucket, prefix, publicBaseURL string) (*Uploader, error) {
	if api == nil {
		return nil, errors.New("s3upload: api must not be nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("s3upload: bucket is required")
	}
	publicBaseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if publicBaseURL == "" {
		publicBaseURL = "https://" + bucket + ".s3.amazonaws.com"
	}
	return &Uploader{
		api:     api,
		bucket:  bucket,
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		baseURL: publicBaseURL,
		newID:   uuid.NewString,
	}, nil
}

func (u *Uploader) Upload(ctx context.Context, f domain.FileUpload) (domain.UploadedFile, error) {
	key := u.objectKey(f.Name)
	_, err := u.api.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f.Body,
		ContentType: aws.String(f.MIMEType),
	})
	if err != nil {
		return domain.UploadedFile{}, fmt.Errorf("s3upload: put %q: %w", key, err)
	}
	return domain.UploadedFile{
		URL:  u.baseURL + "/" + escapeKey(key),
		Name: f.Name,
		MIME: f.MIMEType,
		Size: f.Size,
	}, nil
}

func (u *Uploader) objectKey(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	key := u.newID() + "/" + base
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}
	return key
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
