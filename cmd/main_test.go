package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"

	"chatline/internal/auth"
	"chatline/internal/config"
	"chatline/internal/integrations/mem0"
	"chatline/internal/usecase"
)

var testAWS = aws.Config{Region: "us-east-1"}

func TestTokenCommand(t *testing.T) {
	t.Setenv("STORE_TABLE", "t")
	t.Setenv("AUTH_SECRET", "dev-secret")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--sub", "user-1"})
	require.NoError(t, root.Execute())

	owner, err := auth.NewVerifier("dev-secret").Owner("Bearer " + strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "user-1", owner)
}

func TestSecretSource(t *testing.T) {
	v, err := secretSource{}.get(" env-key ", "p").Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "env-key", v)

	_, err = secretSource{}.get("", "p").Value(context.Background())
	require.Error(t, err)
}

func TestBuildMemory_Degrades(t *testing.T) {
	cfg := &config.Config{Memory: config.MemoryConfig{Backend: "mem0"}}
	require.IsType(t, usecase.NopMemory{}, buildMemory(context.Background(), cfg, secretSource{}))

	cfg.Memory.Backend = "local"
	require.IsType(t, usecase.NopMemory{}, buildMemory(context.Background(), cfg, secretSource{}))

	cfg.Memory.Backend = "none"
	require.IsType(t, usecase.NopMemory{}, buildMemory(context.Background(), cfg, secretSource{}))
}

func TestBuildMemory_Mem0(t *testing.T) {
	cfg := &config.Config{Memory: config.MemoryConfig{Backend: "mem0", APIKey: "k"}}
	require.IsType(t, &mem0.Client{}, buildMemory(context.Background(), cfg, secretSource{}))
}

func TestBuildVerifier_AnonymousWithoutSecret(t *testing.T) {
	v := buildVerifier(context.Background(), &config.Config{}, secretSource{})
	require.False(t, v.Enabled())

	v = buildVerifier(context.Background(), &config.Config{Auth: config.AuthConfig{Secret: "s"}}, secretSource{})
	require.True(t, v.Enabled())
}

func TestBuildUploader_NotConfigured(t *testing.T) {
	cfg := &config.Config{Upload: config.UploadConfig{Backend: "uploadcare"}}
	require.Nil(t, buildUploader(cfg, testAWS))

	cfg.Upload.Backend = "none"
	require.Nil(t, buildUploader(cfg, testAWS))

	cfg.Upload = config.UploadConfig{Backend: "uploadcare", PublicKey: "pk"}
	require.NotNil(t, buildUploader(cfg, testAWS))
}
