// Package storetest provides shared conformance suites for store
// implementations, plus a call-counting wrapper used to assert reload
// behavior in actor tests.
package storetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/planloop/planloop/store"
)

// BlobFactory creates a fresh BlobStore instance for testing.
type BlobFactory func(t *testing.T) store.BlobStore

// ConversationFactory creates a fresh ConversationStore instance for testing.
type ConversationFactory func(t *testing.T) store.ConversationStore

// RunBlobStoreTests runs the BlobStore conformance suite against the factory.
func RunBlobStoreTests(t *testing.T, factory BlobFactory) {
	t.Run("Blob_GetMissingReturnsNotFound", func(t *testing.T) { testBlobGetMissing(t, factory) })
	t.Run("Blob_PutThenGetRoundTrips", func(t *testing.T) { testBlobPutGet(t, factory) })
	t.Run("Blob_PutReplacesWholesale", func(t *testing.T) { testBlobPutReplaces(t, factory) })
	t.Run("Blob_DeleteRemoves", func(t *testing.T) { testBlobDelete(t, factory) })
}

// RunConversationStoreTests runs the ConversationStore conformance suite.
func RunConversationStoreTests(t *testing.T, factory ConversationFactory) {
	t.Run("Conv_GetMissingReturnsNotFound", func(t *testing.T) { testConvGetMissing(t, factory) })
	t.Run("Conv_UpsertThenGet", func(t *testing.T) { testConvUpsertGet(t, factory) })
	t.Run("Conv_SetTitle", func(t *testing.T) { testConvSetTitle(t, factory) })
	t.Run("Conv_ListByUser", func(t *testing.T) { testConvListByUser(t, factory) })
	t.Run("Msg_OrderedByCreatedAt", func(t *testing.T) { testMsgOrdered(t, factory) })
	t.Run("Msg_DeleteAllThenReinsert", func(t *testing.T) { testMsgDeleteReinsert(t, factory) })
	t.Run("Msg_IsolationBetweenConversations", func(t *testing.T) { testMsgIsolation(t, factory) })
}

func testBlobGetMissing(t *testing.T, factory BlobFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testBlobPutGet(t *testing.T, factory BlobFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k1", []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func testBlobPutReplaces(t *testing.T, factory BlobFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "k1", []byte("v2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("got %q, want %q", got, "v2")
	}
}

func testBlobDelete(t *testing.T, factory BlobFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testConvGetMissing(t *testing.T, factory ConversationFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.GetConversation(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testConvUpsertGet(t *testing.T, factory ConversationFactory) {
	s := factory(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond).UTC()
	conv := store.Conversation{ID: "c1", UserID: "u1", Title: "New conversation", CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertConversation(ctx, conv); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Title != "New conversation" {
		t.Fatalf("unexpected conversation: %+v", got)
	}
}

func testConvSetTitle(t *testing.T, factory ConversationFactory) {
	s := factory(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.UpsertConversation(ctx, store.Conversation{ID: "c1", UserID: "u1", Title: "New conversation", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetTitle(ctx, "c1", "Weekend in Lisbon"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Weekend in Lisbon" {
		t.Fatalf("title = %q, want %q", got.Title, "Weekend in Lisbon")
	}

	if err := s.SetTitle(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}
}

func testConvListByUser(t *testing.T, factory ConversationFactory) {
	s := factory(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond).UTC()
	for i, id := range []string{"c1", "c2"} {
		conv := store.Conversation{ID: id, UserID: "u1", Title: "t" + id, CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.UpsertConversation(ctx, conv); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := s.UpsertConversation(ctx, store.Conversation{ID: "c3", UserID: "u2", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d conversations, want 2", len(got))
	}
	// Most recently updated first.
	if got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func testMsgOrdered(t *testing.T, factory ConversationFactory) {
	s := factory(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond).UTC()
	// Insert out of order on CreatedAt.
	for _, m := range []store.Message{
		{ID: "m2", ConversationID: "c1", Role: "assistant", Content: "two", CreatedAt: base.Add(2 * time.Second)},
		{ID: "m1", ConversationID: "c1", Role: "user", Content: "one", CreatedAt: base.Add(1 * time.Second)},
		{ID: "m3", ConversationID: "c1", Role: "user", Content: "three", CreatedAt: base.Add(3 * time.Second)},
	} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func testMsgDeleteReinsert(t *testing.T, factory ConversationFactory) {
	s := factory(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond).UTC()
	for i := 0; i < 3; i++ {
		m := store.Message{ID: "old-" + string(rune('a'+i)), ConversationID: "c1", Role: "user", Content: "old", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := s.DeleteMessages(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.InsertMessage(ctx, store.Message{ID: "new-a", ConversationID: "c1", Role: "user", Content: "new", CreatedAt: base}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new-a" {
		t.Fatalf("unexpected messages after rewrite: %+v", got)
	}
}

func testMsgIsolation(t *testing.T, factory ConversationFactory) {
	s := factory(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.InsertMessage(ctx, store.Message{ID: "m1", ConversationID: "c1", Role: "user", Content: "x", CreatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertMessage(ctx, store.Message{ID: "m2", ConversationID: "c2", Role: "user", Content: "y", CreatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.DeleteMessages(ctx, "c2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := s.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("c1 lost messages: %+v", got)
	}
	got2, err := s.ListMessages(ctx, "c2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got2) != 0 {
		t.Fatalf("c2 should be empty: %+v", got2)
	}
}

// CountingConversationStore wraps a ConversationStore and counts calls,
// so actor tests can assert when a durable reload actually happened.
type CountingConversationStore struct {
	store.ConversationStore

	ListMessagesCalls   atomic.Int64
	InsertMessageCalls  atomic.Int64
	DeleteMessagesCalls atomic.Int64
	SetTitleCalls       atomic.Int64
}

// NewCounting wraps inner with call counters.
func NewCounting(inner store.ConversationStore) *CountingConversationStore {
	return &CountingConversationStore{ConversationStore: inner}
}

func (c *CountingConversationStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	c.ListMessagesCalls.Add(1)
	return c.ConversationStore.ListMessages(ctx, conversationID)
}

func (c *CountingConversationStore) InsertMessage(ctx context.Context, msg store.Message) error {
	c.InsertMessageCalls.Add(1)
	return c.ConversationStore.InsertMessage(ctx, msg)
}

func (c *CountingConversationStore) DeleteMessages(ctx context.Context, conversationID string) error {
	c.DeleteMessagesCalls.Add(1)
	return c.ConversationStore.DeleteMessages(ctx, conversationID)
}

func (c *CountingConversationStore) SetTitle(ctx context.Context, id string, title string) error {
	c.SetTitleCalls.Add(1)
	return c.ConversationStore.SetTitle(ctx, id, title)
}
