package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatline/internal/domain"
)

func newTestThreads(t *testing.T, store ThreadStore) *ThreadService {
	t.Helper()
	svc, err := NewThreadService(store)
	require.NoError(t, err)
	return svc
}

func seedThread(store *fakeStore, id, owner string, updated time.Time) {
	store.threads[id] = domain.Thread{ID: id, Owner: owner, Title: id, CreatedAt: updated, UpdatedAt: updated}
}

func TestNewThreadService_ValidatesDependency(t *testing.T) {
	_, err := NewThreadService(nil)
	require.Error(t, err)
}

func TestThreads_RequireOwner(t *testing.T) {
	svc := newTestThreads(t, newFakeStore())
	ctx := context.Background()

	_, err := svc.List(ctx, "", 0, "")
	expectError(t, err, ErrorUnauthorized, "missing_owner")
	_, err = svc.Create(ctx, "", "x")
	expectError(t, err, ErrorUnauthorized, "missing_owner")
	_, err = svc.Messages(ctx, "", "t1", 0, "")
	expectError(t, err, ErrorUnauthorized, "missing_owner")
	err = svc.Delete(ctx, "", "t1")
	expectError(t, err, ErrorUnauthorized, "missing_owner")
	_, err = svc.EditMessage(ctx, "", "m1", "x")
	expectError(t, err, ErrorUnauthorized, "missing_owner")
}

func TestThreads_ListClampsLimit(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	seedThread(store, "old", "u1", now.Add(-time.Hour))
	seedThread(store, "new", "u1", now)
	seedThread(store, "other", "u2", now)
	svc := newTestThreads(t, store)

	page, err := svc.List(context.Background(), "u1", 0, " c1 ")
	require.NoError(t, err)
	require.Equal(t, defaultThreadLimit, store.listLimit)
	require.Equal(t, "c1", store.listCursor)
	require.Len(t, page.Items, 2)
	require.Equal(t, "new", page.Items[0].ID)

	_, err = svc.List(context.Background(), "u1", 500, "")
	require.NoError(t, err)
	require.Equal(t, maxThreadLimit, store.listLimit)
}

func TestThreads_CreateDefaultsTitle(t *testing.T) {
	store := newFakeStore()
	svc := newTestThreads(t, store)

	th, err := svc.Create(context.Background(), "u1", "   ")
	require.NoError(t, err)
	require.Equal(t, domain.DefaultTitle, th.Title)
	require.NotEmpty(t, th.ID)
	require.Equal(t, th, store.threads[th.ID])
}

func TestThreads_MessagesHidesForeignThread(t *testing.T) {
	store := newFakeStore()
	seedThread(store, "t1", "u2", time.Now())
	svc := newTestThreads(t, store)

	_, err := svc.Messages(context.Background(), "u1", "t1", 0, "")
	expectError(t, err, ErrorNotFound, "thread_not_owned")

	_, err = svc.Messages(context.Background(), "u1", "missing", 0, "")
	expectError(t, err, ErrorNotFound, "get_thread_error")
}

func TestThreads_MessagesClampsLimit(t *testing.T) {
	store := newFakeStore()
	seedThread(store, "t1", "u1", time.Now())
	store.messages = []domain.Message{{ID: "m1", ThreadID: "t1", Owner: "u1", Role: domain.RoleUser}}
	svc := newTestThreads(t, store)

	page, err := svc.Messages(context.Background(), "u1", "t1", 1000, "")
	require.NoError(t, err)
	require.Equal(t, maxMessageLimit, store.listLimit)
	require.Len(t, page.Items, 1)

	_, err = svc.Messages(context.Background(), "u1", "t1", -1, "")
	require.NoError(t, err)
	require.Equal(t, defaultMessageLimit, store.listLimit)
}

func TestThreads_Delete(t *testing.T) {
	store := newFakeStore()
	seedThread(store, "t1", "u1", time.Now())
	seedThread(store, "t2", "u2", time.Now())
	svc := newTestThreads(t, store)

	require.NoError(t, svc.Delete(context.Background(), "u1", "t1"))
	require.Equal(t, []string{"t1"}, store.deleted)

	err := svc.Delete(context.Background(), "u1", "t2")
	expectError(t, err, ErrorNotFound, "thread_not_owned")
	require.Equal(t, []string{"t1"}, store.deleted)
}

func TestThreads_EditMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	seedThread(store, "t1", "u1", at)
	store.messages = []domain.Message{
		{ID: "m1", ThreadID: "t1", Owner: "u1", Role: domain.RoleUser, CreatedAt: at},
		{ID: "m2", ThreadID: "t1", Owner: "u1", Role: domain.RoleAssistant, CreatedAt: at.Add(time.Second)},
	}
	svc := newTestThreads(t, store)

	threadID, err := svc.EditMessage(context.Background(), "u1", "m1", "  rewritten   question ")
	require.NoError(t, err)
	require.Equal(t, "t1", threadID)
	require.Equal(t, "t1", store.truncatedFor)
	require.Equal(t, at, store.truncatedAt)
	require.Equal(t, "rewritten question", store.renamedTo)
}

func TestThreads_EditMessageErrors(t *testing.T) {
	store := newFakeStore()
	store.messages = []domain.Message{
		{ID: "m1", ThreadID: "t1", Owner: "u1", Role: domain.RoleUser},
		{ID: "m2", ThreadID: "t1", Owner: "u1", Role: domain.RoleAssistant},
	}
	svc := newTestThreads(t, store)
	ctx := context.Background()

	_, err := svc.EditMessage(ctx, "u1", "m2", "x")
	expectError(t, err, ErrorInvalidInput, "not_a_user_turn")

	_, err = svc.EditMessage(ctx, "u2", "m1", "x")
	expectError(t, err, ErrorForbidden, "message_not_owned")

	_, err = svc.EditMessage(ctx, "u1", "nope", "x")
	expectError(t, err, ErrorNotFound, "get_message_error")

	_, err = svc.EditMessage(ctx, "u1", "m1", " ")
	expectError(t, err, ErrorInvalidInput, "empty_text")

	require.Empty(t, store.truncatedFor)
}
