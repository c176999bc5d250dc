package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chatline/internal/domain"
	"chatline/internal/models"
	"chatline/internal/prompt"
	"chatline/internal/tokens"
)

const (
	defaultMemoryTopK = 5
	previewRunes      = 400
)

type Generator interface {
	Stream(ctx context.Context, req domain.GenerateRequest) (domain.TokenStream, error)
}

type MemoryStore interface {
	Search(ctx context.Context, q domain.MemoryQuery) ([]domain.Fact, error)
	Add(ctx context.Context, rec domain.MemoryRecord) error
}

// TranscriptWriter is the slice of the document store the chat path writes to.
type TranscriptWriter interface {
	CreateThread(ctx context.Context, t domain.Thread) error
	AppendMessage(ctx context.Context, m domain.Message) error
}

// NopMemory is the memory backend used when none is configured.
type NopMemory struct{}

func (NopMemory) Search(context.Context, domain.MemoryQuery) ([]domain.Fact, error) { return nil, nil }
func (NopMemory) Add(context.Context, domain.MemoryRecord) error                   { return nil }

// previewLogged gates the one-per-process debug dump of an assembled prompt.
var previewLogged atomic.Bool

type ChatService struct {
	gen          Generator
	store        TranscriptWriter
	memory       MemoryStore
	normalizer   *prompt.Normalizer
	est          tokens.Estimator
	systemPrompt string
	memoryTopK   int
}

type ChatOption func(*ChatService)

func WithSystemPrompt(p string) ChatOption {
	return func(s *ChatService) {
		s.systemPrompt = strings.TrimSpace(p)
	}
}

func WithEstimator(est tokens.Estimator) ChatOption {
	return func(s *ChatService) {
		if est != nil {
			s.est = est
		}
	}
}

func WithNormalizer(n *prompt.Normalizer) ChatOption {
	return func(s *ChatService) {
		if n != nil {
			s.normalizer = n
		}
	}
}

func WithMemoryTopK(k int) ChatOption {
	return func(s *ChatService) {
		if k > 0 {
			s.memoryTopK = k
		}
	}
}

type ChatInput struct {
	// Owner is empty for unauthenticated callers.
	Owner       string
	ThreadID    string
	Messages    []domain.ChatMessage
	ModelHint   string
	Attachments []domain.Attachment
	Temporary   bool
}

func NewChatService(gen Generator, store TranscriptWriter, memory MemoryStore, opts ...ChatOption) (*ChatService, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: transcript store must not be nil")
	}
	if memory == nil {
		memory = NopMemory{}
	}
	s := &ChatService{
		gen:        gen,
		store:      store,
		memory:     memory,
		normalizer: prompt.NewNormalizer(nil),
		est:        tokens.Heuristic{},
		memoryTopK: defaultMemoryTopK,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start assembles the prompt, resolves the target thread, persists the user
// turn and opens the generation stream. It returns once the first chunk has
// arrived, so any failure before that point is reported as an error rather
// than a truncated stream.
func (s *ChatService) Start(ctx context.Context, in ChatInput) (*ChatReply, error) {
	if len(in.Messages) == 0 {
		return nil, newError(ErrorInvalidInput, "empty_messages", nil)
	}

	model := models.ResolveFor(in.ModelHint, in.Attachments)
	budget := models.BudgetsFor(model)
	history := prompt.Trim(in.Messages, budget, s.est)
	turns := s.normalizer.Normalize(ctx, history, in.Attachments)

	owner := strings.TrimSpace(in.Owner)
	latest := latestUserText(in.Messages)
	remember := !in.Temporary && owner != ""

	system := s.systemPrompt
	if remember && strings.TrimSpace(latest) != "" {
		block := prompt.FormatFacts(s.recall(ctx, owner, strings.TrimSpace(in.ThreadID), latest))
		system = prompt.Compose(system, prompt.MemoryInstruction(block))
		turns = prompt.SpliceMemories(turns, block)
	}

	threadID := s.resolveThread(ctx, in, owner)
	persist := remember && threadID != ""
	if persist {
		s.saveUserTurn(ctx, in, owner, threadID)
	}

	req := domain.GenerateRequest{
		Model:           model,
		System:          system,
		Turns:           turns,
		MaxOutputTokens: budget.ReserveForResponse,
	}
	logPreview(ctx, req)

	stream, err := s.gen.Stream(ctx, req)
	if err != nil {
		return nil, generationError("generation_start_error", err)
	}
	first, err := prime(stream)
	if err != nil {
		_ = stream.Close()
		return nil, generationError("generation_stream_error", err)
	}

	reply := &ChatReply{
		ThreadID: threadID,
		Model:    model,
		stream:   stream,
		first:    first,
	}
	if remember && strings.TrimSpace(latest) != "" {
		reply.onFirstByte = func(ctx context.Context) {
			go s.remember(context.WithoutCancel(ctx), owner, threadID, latest)
		}
	}
	if persist {
		reply.onComplete = func(ctx context.Context, text string) {
			s.saveAssistantTurn(ctx, owner, threadID, text)
		}
	}
	return reply, nil
}

// recall runs the thread-scoped and global searches concurrently and merges
// them thread-first. Failures leave the corresponding list empty.
func (s *ChatService) recall(ctx context.Context, owner, threadID, query string) []domain.Fact {
	var thread, global []domain.Fact
	var g errgroup.Group
	if threadID != "" {
		g.Go(func() error {
			facts, err := s.memory.Search(ctx, domain.MemoryQuery{Owner: owner, ThreadID: threadID, Query: query, TopK: s.memoryTopK})
			if err != nil {
				slog.DebugContext(ctx, "thread memory search failed", "thread_id", threadID, "err", err)
				return nil
			}
			thread = facts
			return nil
		})
	}
	g.Go(func() error {
		facts, err := s.memory.Search(ctx, domain.MemoryQuery{Owner: owner, Query: query, TopK: s.memoryTopK})
		if err != nil {
			slog.DebugContext(ctx, "global memory search failed", "err", err)
			return nil
		}
		global = facts
		return nil
	})
	_ = g.Wait()
	return prompt.MergeFacts(thread, global)
}

func (s *ChatService) remember(ctx context.Context, owner, threadID, text string) {
	if threadID != "" {
		if err := s.memory.Add(ctx, domain.MemoryRecord{Owner: owner, ThreadID: threadID, Text: text}); err != nil {
			slog.DebugContext(ctx, "thread memory upsert failed", "thread_id", threadID, "err", err)
		}
	}
	if err := s.memory.Add(ctx, domain.MemoryRecord{Owner: owner, Text: text}); err != nil {
		slog.DebugContext(ctx, "global memory upsert failed", "err", err)
	}
}

// resolveThread returns the thread the request belongs to, creating one for
// authenticated callers that did not supply an id. A supplied id is trusted;
// ownership is checked when a message is appended.
func (s *ChatService) resolveThread(ctx context.Context, in ChatInput, owner string) string {
	id := strings.TrimSpace(in.ThreadID)
	if id != "" || in.Temporary || owner == "" {
		return id
	}
	now := nowUTC()
	t := domain.Thread{
		ID:        newUUID(),
		Owner:     owner,
		Title:     domain.Title(firstUserText(in.Messages)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateThread(ctx, t); err != nil {
		slog.WarnContext(ctx, "thread creation failed, continuing without persistence", "err", err)
		return ""
	}
	return t.ID
}

func (s *ChatService) saveUserTurn(ctx context.Context, in ChatInput, owner, threadID string) {
	last := in.Messages[len(in.Messages)-1]
	if last.Role != domain.RoleUser {
		return
	}
	var parts []domain.Part
	if last.Content != nil {
		parts = last.Content.Parts()
	}
	atts := make([]domain.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		a.DataURL = ""
		atts = append(atts, a)
	}
	msg := domain.Message{
		ID:          newUUID(),
		ThreadID:    threadID,
		Owner:       owner,
		Role:        domain.RoleUser,
		Parts:       parts,
		Attachments: atts,
		CreatedAt:   nowUTC(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		slog.WarnContext(ctx, "user turn not persisted", "thread_id", threadID, "err", err)
	}
}

func (s *ChatService) saveAssistantTurn(ctx context.Context, owner, threadID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	msg := domain.Message{
		ID:        newUUID(),
		ThreadID:  threadID,
		Owner:     owner,
		Role:      domain.RoleAssistant,
		Parts:     []domain.Part{domain.TextPart(text)},
		CreatedAt: nowUTC(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		slog.WarnContext(ctx, "assistant turn not persisted", "thread_id", threadID, "err", err)
	}
}

// prime reads up to the first non-empty chunk.
func prime(stream domain.TokenStream) (string, error) {
	for stream.Next() {
		if c := stream.Chunk(); c != "" {
			return c, nil
		}
	}
	return "", stream.Err()
}

func generationError(reason string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok {
		slog.Warn("generation upstream rejected request", "status", status, "err", err)
	}
	return newError(ErrorGenerationFailed, reason, err)
}

func logPreview(ctx context.Context, req domain.GenerateRequest) {
	if !slog.Default().Enabled(ctx, slog.LevelDebug) || !previewLogged.CompareAndSwap(false, true) {
		return
	}
	var last string
	if n := len(req.Turns); n > 0 {
		last = req.Turns[n-1].Text()
	}
	slog.DebugContext(ctx, "prompt preview",
		"model", req.Model,
		"turns", len(req.Turns),
		"system", clip(req.System, previewRunes),
		"last_turn", clip(last, previewRunes),
	)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func latestUserText(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}

func firstUserText(msgs []domain.ChatMessage) string {
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			if t := strings.TrimSpace(m.Text()); t != "" {
				return t
			}
		}
	}
	return ""
}

var newUUID = func() string {
	return uuid.NewString()
}

var nowUTC = func() time.Time {
	return time.Now().UTC()
}
