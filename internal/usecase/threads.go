package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatline/internal/domain"
)

const (
	defaultThreadLimit  = 20
	maxThreadLimit      = 50
	defaultMessageLimit = 50
	maxMessageLimit     = 100
)

// ThreadStore is the document store behind the thread endpoints. Cursors are
// opaque to the service.
type ThreadStore interface {
	TranscriptWriter
	GetThread(ctx context.Context, id string) (domain.Thread, error)
	ListThreads(ctx context.Context, owner string, limit int, cursor string) ([]domain.Thread, string, error)
	RenameThread(ctx context.Context, id, title string, at time.Time) error
	DeleteThread(ctx context.Context, id string) error
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	ListMessages(ctx context.Context, threadID string, limit int, cursor string) ([]domain.Message, string, error)
	TruncateFrom(ctx context.Context, threadID string, from time.Time) error
}

type ThreadPage struct {
	Items      []domain.Thread
	NextCursor string
}

type MessagePage struct {
	Items      []domain.Message
	NextCursor string
}

type ThreadService struct {
	store ThreadStore
}

func NewThreadService(store ThreadStore) (*ThreadService, error) {
	if store == nil {
		return nil, errors.New("usecase: thread store must not be nil")
	}
	return &ThreadService{store: store}, nil
}

// List returns the owner's threads, most recently updated first.
func (s *ThreadService) List(ctx context.Context, owner string, limit int, cursor string) (ThreadPage, error) {
	if owner == "" {
		return ThreadPage{}, newError(ErrorUnauthorized, "missing_owner", nil)
	}
	items, next, err := s.store.ListThreads(ctx, owner, clampLimit(limit, defaultThreadLimit, maxThreadLimit), strings.TrimSpace(cursor))
	if err != nil {
		return ThreadPage{}, storeError("list_threads_error", err)
	}
	return ThreadPage{Items: items, NextCursor: next}, nil
}

func (s *ThreadService) Create(ctx context.Context, owner, title string) (domain.Thread, error) {
	if owner == "" {
		return domain.Thread{}, newError(ErrorUnauthorized, "missing_owner", nil)
	}
	now := nowUTC()
	t := domain.Thread{
		ID:        newUUID(),
		Owner:     owner,
		Title:     domain.Title(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateThread(ctx, t); err != nil {
		return domain.Thread{}, storeError("create_thread_error", err)
	}
	return t, nil
}

// Messages returns a page of a thread's messages, oldest first.
func (s *ThreadService) Messages(ctx context.Context, owner, threadID string, limit int, cursor string) (MessagePage, error) {
	if _, err := s.owned(ctx, owner, threadID); err != nil {
		return MessagePage{}, err
	}
	items, next, err := s.store.ListMessages(ctx, threadID, clampLimit(limit, defaultMessageLimit, maxMessageLimit), strings.TrimSpace(cursor))
	if err != nil {
		return MessagePage{}, storeError("list_messages_error", err)
	}
	return MessagePage{Items: items, NextCursor: next}, nil
}

// Delete removes a thread and all of its messages.
func (s *ThreadService) Delete(ctx context.Context, owner, threadID string) error {
	if _, err := s.owned(ctx, owner, threadID); err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return storeError("delete_thread_error", err)
	}
	return nil
}

// EditMessage rewinds a thread to just before the given user turn so the
// client can resubmit edited text. The thread title is re-derived from text.
func (s *ThreadService) EditMessage(ctx context.Context, owner, messageID, text string) (string, error) {
	if owner == "" {
		return "", newError(ErrorUnauthorized, "missing_owner", nil)
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return "", newError(ErrorInvalidInput, "missing_message_id", nil)
	}
	if strings.TrimSpace(text) == "" {
		return "", newError(ErrorInvalidInput, "empty_text", nil)
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", storeError("get_message_error", err)
	}
	if msg.Owner != owner {
		return "", newError(ErrorForbidden, "message_not_owned", nil)
	}
	if msg.Role != domain.RoleUser {
		return "", newError(ErrorInvalidInput, "not_a_user_turn", nil)
	}
	if err := s.store.TruncateFrom(ctx, msg.ThreadID, msg.CreatedAt); err != nil {
		return "", storeError("truncate_error", err)
	}
	if err := s.store.RenameThread(ctx, msg.ThreadID, domain.Title(text), nowUTC()); err != nil {
		return "", storeError("rename_thread_error", err)
	}
	return msg.ThreadID, nil
}

// owned loads a thread and hides threads belonging to someone else.
func (s *ThreadService) owned(ctx context.Context, owner, threadID string) (domain.Thread, error) {
	if owner == "" {
		return domain.Thread{}, newError(ErrorUnauthorized, "missing_owner", nil)
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return domain.Thread{}, newError(ErrorInvalidInput, "missing_thread_id", nil)
	}
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return domain.Thread{}, storeError("get_thread_error", err)
	}
	if t.Owner != owner {
		return domain.Thread{}, newError(ErrorNotFound, "thread_not_owned", nil)
	}
	return t, nil
}

func clampLimit(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
