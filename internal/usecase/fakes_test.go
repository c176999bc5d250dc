package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chatline/internal/domain"
)

type fakeStream struct {
	chunks []string
	// failAt is the number of chunks delivered before err is reported; -1 never fails.
	failAt int
	err    error

	i      int
	cur    string
	closed bool
}

func newStream(chunks ...string) *fakeStream {
	return &fakeStream{chunks: chunks, failAt: -1}
}

func failingStream(failAt int, err error, chunks ...string) *fakeStream {
	return &fakeStream{chunks: chunks, failAt: failAt, err: err}
}

func (s *fakeStream) Next() bool {
	if s.failAt >= 0 && s.i >= s.failAt {
		return false
	}
	if s.i >= len(s.chunks) {
		return false
	}
	s.cur = s.chunks[s.i]
	s.i++
	return true
}

func (s *fakeStream) Chunk() string { return s.cur }

func (s *fakeStream) Err() error {
	if s.failAt >= 0 && s.i >= s.failAt {
		return s.err
	}
	return nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeGenerator struct {
	stream *fakeStream
	err    error
	req    domain.GenerateRequest
	calls  int
}

func (g *fakeGenerator) Stream(_ context.Context, req domain.GenerateRequest) (domain.TokenStream, error) {
	g.calls++
	g.req = req
	if g.err != nil {
		return nil, g.err
	}
	return g.stream, nil
}

type fakeStore struct {
	mu        sync.Mutex
	threads   map[string]domain.Thread
	messages  []domain.Message
	createErr error
	appendErr error

	created      int
	listLimit    int
	listCursor   string
	truncatedAt  time.Time
	truncatedFor string
	renamedTo    string
	deleted      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{threads: map[string]domain.Thread{}}
}

func (s *fakeStore) CreateThread(_ context.Context, t domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created++
	s.threads[t.ID] = t
	return nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *fakeStore) GetThread(_ context.Context, id string) (domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return domain.Thread{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) ListThreads(_ context.Context, owner string, limit int, cursor string) ([]domain.Thread, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listLimit = limit
	s.listCursor = cursor
	var out []domain.Thread
	for _, t := range s.threads {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, "", nil
}

func (s *fakeStore) RenameThread(_ context.Context, id, title string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renamedTo = title
	return nil
}

func (s *fakeStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	delete(s.threads, id)
	return nil
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Message{}, domain.ErrNotFound
}

func (s *fakeStore) ListMessages(_ context.Context, threadID string, limit int, _ string) ([]domain.Message, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listLimit = limit
	var out []domain.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, "", nil
}

func (s *fakeStore) TruncateFrom(_ context.Context, threadID string, from time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncatedFor = threadID
	s.truncatedAt = from
	return nil
}

func (s *fakeStore) byRole(role domain.Role) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

type fakeMemory struct {
	mu       sync.Mutex
	thread   []domain.Fact
	global   []domain.Fact
	err      error
	searches []domain.MemoryQuery
	added    []domain.MemoryRecord
}

func (m *fakeMemory) Search(_ context.Context, q domain.MemoryQuery) ([]domain.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, q)
	if m.err != nil {
		return nil, m.err
	}
	if q.ThreadID != "" {
		return m.thread, nil
	}
	return m.global, nil
}

func (m *fakeMemory) Add(_ context.Context, rec domain.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, rec)
	return m.err
}

func (m *fakeMemory) searchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.searches)
}

func (m *fakeMemory) addedRecords() []domain.MemoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MemoryRecord(nil), m.added...)
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("broken pipe")
	}
	w.after--
	return len(p), nil
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "upstream said no" }
func (e statusErr) HTTPStatusCode() int { return e.code }
