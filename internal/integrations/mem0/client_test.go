package mem0

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"chatline/internal/domain"
)

type staticKey string

func (k staticKey) Value(context.Context) (string, error) { return string(k), nil }

type brokenKey struct{}

func (brokenKey) Value(context.Context) (string, error) { return "", errors.New("ssm down") }

func TestNewClient_NilKey(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
}

func TestSearch_ThreadScope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/memories/search/", r.URL.Path)
		require.Equal(t, "Token m0-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`[
			{"id":"1","memory":"Prefers Go","score":0.9,"metadata":{"threadId":"t1"}},
			{"id":"2","memory":"   "},
			{"id":"3","text":"Lives in Lisbon"}
		]`))
	}))
	defer srv.Close()

	c, err := NewClient(staticKey("m0-key"), WithBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	facts, err := c.Search(context.Background(), domain.MemoryQuery{Owner: "u1", ThreadID: "t1", Query: "hi", TopK: 5})
	require.NoError(t, err)
	require.Len(t, facts, 2)
	require.Equal(t, "Prefers Go", facts[0].Text)
	require.InDelta(t, 0.9, *facts[0].Score, 1e-9)
	require.Equal(t, "t1", facts[0].Metadata["threadId"])
	require.Equal(t, "Lives in Lisbon", facts[1].Text)

	require.Equal(t, "hi", got["query"])
	require.Equal(t, float64(5), got["top_k"])
	or := got["filters"].(map[string]any)["OR"].([]any)
	require.Len(t, or, 2)
	require.Equal(t, "u1", or[0].(map[string]any)["user_id"])
	require.Equal(t, "t1", or[1].(map[string]any)["metadata"].(map[string]any)["threadId"])
}

func TestSearch_GlobalScope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := NewClient(staticKey("k"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	facts, err := c.Search(context.Background(), domain.MemoryQuery{Owner: "u1", Query: "hi"})
	require.NoError(t, err)
	require.Empty(t, facts)
	require.Len(t, got["filters"].(map[string]any)["OR"].([]any), 1)
}

func TestAdd(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/memories/", r.URL.Path)
		got = nil
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	c, err := NewClient(staticKey("k"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	require.NoError(t, c.Add(context.Background(), domain.MemoryRecord{Owner: "u1", ThreadID: "t1", Text: "I like tea"}))
	require.Equal(t, "u1", got["user_id"])
	require.Equal(t, "t1", got["metadata"].(map[string]any)["threadId"])
	msg := got["messages"].([]any)[0].(map[string]any)
	require.Equal(t, "user", msg["role"])
	require.Equal(t, "I like tea", msg["content"])

	require.NoError(t, c.Add(context.Background(), domain.MemoryRecord{Owner: "u1", Text: "global"}))
	_, hasMeta := got["metadata"]
	require.False(t, hasMeta)
}

func TestUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(staticKey("k"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Search(context.Background(), domain.MemoryQuery{Owner: "u1", Query: "q"})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Equal(t, "bad token", statusErr.Body)
}

func TestKeyError(t *testing.T) {
	c, err := NewClient(brokenKey{})
	require.NoError(t, err)
	require.ErrorContains(t, c.Add(context.Background(), domain.MemoryRecord{Owner: "u1", Text: "x"}), "ssm down")
}
