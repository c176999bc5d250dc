package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"chatline/internal/domain"
)

type fakeKey struct {
	val   string
	err   error
	calls int
}

func (k *fakeKey) Value(context.Context) (string, error) {
	k.calls++
	return k.val, k.err
}

func sseServer(t *testing.T, chunks []string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if captured != nil {
			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, captured))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, s domain.TokenStream) []string {
	t.Helper()
	var out []string
	for s.Next() {
		out = append(out, s.Chunk())
	}
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())
	return out
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_NilKey(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(&fakeKey{}, WithBaseURL("  "))
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)

	c, err = NewClient(&fakeKey{}, WithBaseURL("http://localhost:8080/v1/"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/v1", c.baseURL)
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func TestStream_YieldsDeltas(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, []string{"Hel", "", "lo"}, &body)
	defer srv.Close()

	key := &fakeKey{val: "sk-test"}
	c, err := NewClient(key, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	s, err := c.Stream(context.Background(), domain.GenerateRequest{
		Model:           "models/gemini-2.5-flash",
		System:          "Be brief.",
		Turns:           []domain.Turn{{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("hi")}}},
		MaxOutputTokens: 2048,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo"}, collect(t, s))

	require.Equal(t, "gemini-2.5-flash", body["model"])
	require.Equal(t, float64(2048), body["max_tokens"])
	require.Equal(t, true, body["stream"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
	require.Equal(t, "hi", msgs[1].(map[string]any)["content"])

	// The key is resolved once per client.
	s, err = c.Stream(context.Background(), domain.GenerateRequest{Model: "m", Turns: []domain.Turn{{Role: domain.RoleUser}}})
	require.NoError(t, err)
	collect(t, s)
	require.Equal(t, 1, key.calls)
}

func TestStream_PinnedModel(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, []string{"x"}, &body)
	defer srv.Close()

	c, err := NewClient(&fakeKey{val: "sk-test"}, WithBaseURL(srv.URL), WithModel("gpt-4o-mini"))
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), domain.GenerateRequest{Model: "models/gemini-2.5-flash-lite"})
	require.NoError(t, err)
	collect(t, s)
	require.Equal(t, "gpt-4o-mini", body["model"])
}

func TestStream_APIErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(&fakeKey{val: "sk-test"}, WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), domain.GenerateRequest{Model: "m"})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "slow down")
}

func TestStream_KeyError(t *testing.T) {
	c, err := NewClient(&fakeKey{err: errors.New("ssm down")})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), domain.GenerateRequest{Model: "m"})
	require.ErrorContains(t, err, "ssm down")
}

// ---------------------------------------------------------------------------
// message conversion
// ---------------------------------------------------------------------------

func TestToMessage_Multimodal(t *testing.T) {
	msg := toMessage(domain.Turn{Role: domain.RoleUser, Parts: []domain.Part{
		domain.TextPart("what is this"),
		domain.ImagePart(domain.Image{MIMEType: "image/png", Data: []byte{1, 2, 3}}),
		domain.ImagePart(domain.Image{URL: "https://cdn/x.jpg"}),
	}})

	require.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 3)
	require.Equal(t, "what is this", msg.MultiContent[0].Text)
	require.Equal(t, "data:image/png;base64,AQID", msg.MultiContent[1].ImageURL.URL)
	require.Equal(t, "https://cdn/x.jpg", msg.MultiContent[2].ImageURL.URL)
}

func TestToMessage_TextOnly(t *testing.T) {
	msg := toMessage(domain.Turn{Role: domain.RoleAssistant, Parts: []domain.Part{domain.TextPart("a"), domain.TextPart("b")}})
	require.Equal(t, "assistant", msg.Role)
	require.Equal(t, "a\nb", msg.Content)
	require.Nil(t, msg.MultiContent)
}
