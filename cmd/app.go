package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chatline/handler"
	"chatline/internal/auth"
	"chatline/internal/config"
	"chatline/internal/integrations/gemini"
	"chatline/internal/integrations/mem0"
	"chatline/internal/integrations/openai"
	"chatline/internal/integrations/paramstore"
	"chatline/internal/integrations/s3upload"
	"chatline/internal/integrations/uploadcare"
	"chatline/internal/integrations/vectorstore"
	"chatline/internal/media"
	"chatline/internal/prompt"
	"chatline/internal/repository"
	"chatline/internal/tokens"
	"chatline/internal/usecase"
)

// app holds the wired HTTP handler and whatever must be closed on exit.
type app struct {
	handler *handler.Handler
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// secretSource prefers an explicit value and falls back to the parameter
// store when one is configured.
type secretSource struct {
	params *paramstore.Client
}

func (s secretSource) get(explicit, param string) *paramstore.Secret {
	if strings.TrimSpace(explicit) != "" || s.params == nil {
		return paramstore.Static(explicit)
	}
	return s.params.Secret(param)
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	secrets := secretSource{}
	if cfg.Param.Prefix != "" {
		secrets.params, err = paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.Param.Prefix)
		if err != nil {
			return nil, fmt.Errorf("create parameter store client: %w", err)
		}
	}

	store, err := buildStore(ctx, cfg, awsCfg, a)
	if err != nil {
		return nil, err
	}

	gen, err := buildGenerator(cfg, secrets)
	if err != nil {
		return nil, err
	}

	var fetcher prompt.ImageFetcher
	if cfg.Media.FetchImages {
		fetcher = media.NewFetcher(media.WithMaxDimension(cfg.Media.MaxDimension))
	}

	chat, err := usecase.NewChatService(gen, store, buildMemory(ctx, cfg, secrets),
		usecase.WithSystemPrompt(cfg.Chat.SystemPrompt),
		usecase.WithEstimator(tokens.New(cfg.Generator.Estimator)),
		usecase.WithNormalizer(prompt.NewNormalizer(fetcher)),
		usecase.WithMemoryTopK(cfg.Memory.TopK),
	)
	if err != nil {
		return nil, fmt.Errorf("create chat service: %w", err)
	}
	threads, err := usecase.NewThreadService(store)
	if err != nil {
		return nil, fmt.Errorf("create thread service: %w", err)
	}
	uploads := usecase.NewUploadService(buildUploader(cfg, awsCfg))

	h, err := handler.NewHandler(chat, threads, uploads, handler.WithAuthenticator(buildVerifier(ctx, cfg, secrets)))
	if err != nil {
		return nil, fmt.Errorf("create handler: %w", err)
	}
	a.handler = h
	return a, nil
}

func buildStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, a *app) (usecase.ThreadStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := repository.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	default:
		var opts []repository.Option
		if cfg.Store.RetentionDays > 0 {
			opts = append(opts, repository.WithRetention(time.Duration(cfg.Store.RetentionDays)*24*time.Hour))
		}
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.Table, opts...)
		if err != nil {
			return nil, fmt.Errorf("create dynamodb store: %w", err)
		}
		return c, nil
	}
}

func buildGenerator(cfg *config.Config, secrets secretSource) (usecase.Generator, error) {
	key := secrets.get(cfg.Generator.APIKey, cfg.Generator.KeyParam)
	switch cfg.Generator.Provider {
	case "openai":
		c, err := openai.NewClient(key, openai.WithBaseURL(cfg.Generator.BaseURL), openai.WithModel(cfg.Generator.Model))
		if err != nil {
			return nil, fmt.Errorf("create openai generator: %w", err)
		}
		return c, nil
	default:
		c, err := gemini.NewClient(key, gemini.WithBaseURL(cfg.Generator.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("create gemini generator: %w", err)
		}
		return c, nil
	}
}

// buildMemory never fails: a backend that cannot be configured degrades to
// no memory at all.
func buildMemory(ctx context.Context, cfg *config.Config, secrets secretSource) usecase.MemoryStore {
	switch cfg.Memory.Backend {
	case "mem0":
		if cfg.Memory.APIKey == "" && secrets.params == nil {
			slog.Warn("mem0 api key not configured, memory disabled")
			return usecase.NopMemory{}
		}
		c, err := mem0.NewClient(secrets.get(cfg.Memory.APIKey, cfg.Memory.KeyParam), mem0.WithBaseURL(cfg.Memory.BaseURL))
		if err != nil {
			slog.Warn("mem0 client unavailable, memory disabled", "err", err)
			return usecase.NopMemory{}
		}
		return c
	case "local":
		key, err := secrets.get(cfg.Memory.APIKey, cfg.Memory.KeyParam).Value(ctx)
		if err != nil {
			slog.Warn("embedding api key not configured, memory disabled", "err", err)
			return usecase.NopMemory{}
		}
		s, err := vectorstore.New(cfg.Memory.Dir, vectorstore.NewOpenAICompatEmbedder(cfg.Memory.EmbeddingURL, key, cfg.Memory.EmbeddingModel))
		if err != nil {
			slog.Warn("vector store unavailable, memory disabled", "err", err)
			return usecase.NopMemory{}
		}
		return s
	default:
		return usecase.NopMemory{}
	}
}

// buildUploader returns nil when uploads are not configured.
func buildUploader(cfg *config.Config, awsCfg aws.Config) usecase.Uploader {
	switch cfg.Upload.Backend {
	case "uploadcare":
		c, err := uploadcare.NewClient(cfg.Upload.PublicKey)
		if err != nil {
			slog.Warn("uploadcare not configured, uploads disabled", "err", err)
			return nil
		}
		return c
	case "s3":
		u, err := s3upload.New(awss3.NewFromConfig(awsCfg), cfg.Upload.Bucket, cfg.Upload.Prefix, cfg.Upload.PublicBaseURL)
		if err != nil {
			slog.Warn("s3 uploads not configured, uploads disabled", "err", err)
			return nil
		}
		return u
	default:
		return nil
	}
}

// buildVerifier resolves the signing secret once at startup. Without one every
// caller is anonymous.
func buildVerifier(ctx context.Context, cfg *config.Config, secrets secretSource) *auth.Verifier {
	if cfg.Auth.Secret == "" && secrets.params == nil {
		slog.Warn("auth secret not configured, all callers are anonymous")
		return auth.NewVerifier("")
	}
	secret, err := secrets.get(cfg.Auth.Secret, cfg.Auth.KeyParam).Value(ctx)
	if err != nil {
		slog.Warn("auth secret unavailable, all callers are anonymous", "err", err)
		return auth.NewVerifier("")
	}
	return auth.NewVerifier(secret, auth.WithIssuer(cfg.Auth.Issuer))
}
