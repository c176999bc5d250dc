package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"chatline/internal/domain"
)

const (
	scopeGlobal = "global"
	scopeThread = "thread"
)

// Store is an embedded memory backend with one collection per owner.
type Store struct {
	mu      sync.RWMutex
	db      *chromem.DB
	embedFn chromem.EmbeddingFunc
}

// New opens a store. An empty dir keeps everything in memory.
func New(dir string, embedFn chromem.EmbeddingFunc) (*Store, error) {
	if embedFn == nil {
		return nil, errors.New("vectorstore: embedding func must not be nil")
	}
	if dir == "" {
		return &Store{db: chromem.NewDB(), embedFn: embedFn}, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("vectorstore: create dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open: %w", err)
	}
	return &Store{db: db, embedFn: embedFn}, nil
}

// NewOpenAICompatEmbedder builds an embedding func for any OpenAI-compatible
// /embeddings endpoint.
func NewOpenAICompatEmbedder(baseURL, apiKey, model string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil)
}

func collectionName(owner string) string {
	return "owner_" + owner
}

func (s *Store) collection(owner string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection(collectionName(owner), nil, s.embedFn)
}

// Search returns up to q.TopK facts from the thread scope when q.ThreadID is
// set, otherwise from the owner's global scope.
func (s *Store) Search(ctx context.Context, q domain.MemoryQuery) ([]domain.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, err := s.collection(q.Owner)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: collection: %w", err)
	}
	k := q.TopK
	if count := col.Count(); k <= 0 || k > count {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	where := map[string]string{"scope": scopeGlobal}
	if q.ThreadID != "" {
		where = map[string]string{"scope": scopeThread, "threadId": q.ThreadID}
	}
	results, err := col.Query(ctx, q.Query, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}

	facts := make([]domain.Fact, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		facts = append(facts, domain.Fact{ID: r.ID, Text: r.Content, Score: &score, Metadata: r.Metadata})
	}
	return facts, nil
}

// Add stores rec. Re-adding the same text in the same scope overwrites the
// earlier document.
func (s *Store) Add(ctx context.Context, rec domain.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(rec.Owner)
	if err != nil {
		return fmt.Errorf("vectorstore: collection: %w", err)
	}
	meta := map[string]string{"scope": scopeGlobal}
	if rec.ThreadID != "" {
		meta = map[string]string{"scope": scopeThread, "threadId": rec.ThreadID}
	}
	doc := chromem.Document{
		ID:       documentID(rec),
		Content:  rec.Text,
		Metadata: meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("vectorstore: add: %w", err)
	}
	return nil
}

func documentID(rec domain.MemoryRecord) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.Owner+"\x00"+rec.ThreadID+"\x00"+rec.Text)).String()
}
