package conversation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/planloop/planloop/identity"
	"github.com/planloop/planloop/identity/identitytest"
	"github.com/planloop/planloop/store"
	"github.com/planloop/planloop/store/memory"
	"github.com/planloop/planloop/store/storetest"
)

type echoResponder struct{}

func (echoResponder) Respond(ctx context.Context, history []store.Message) (string, error) {
	return "echo: " + history[len(history)-1].Content, nil
}

type failingResponder struct{}

func (failingResponder) Respond(ctx context.Context, history []store.Message) (string, error) {
	return "", errors.New("model unavailable")
}

type recordingNotifier struct {
	ch chan ConversationsUpdated
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan ConversationsUpdated, 4)}
}

func (n *recordingNotifier) Notify(ctx context.Context, userID string, payload any) (int, error) {
	if upd, ok := payload.(ConversationsUpdated); ok {
		n.ch <- upd
	}
	return 1, nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, userID string, payload any) (int, error) {
	return 0, nil
}

type fixture struct {
	blobs *memory.BlobStore
	convs *storetest.CountingConversationStore
	deps  Deps
}

func newFixture() *fixture {
	blobs := memory.NewBlobStore()
	convs := storetest.NewCounting(memory.NewConversationStore())
	idp := identitytest.New(map[string]identity.Identity{
		"tokA": {UserID: "userA", Name: "Alice"},
		"tokB": {UserID: "userB", Name: "Bob"},
	})
	return &fixture{
		blobs: blobs,
		convs: convs,
		deps: Deps{
			Blobs:     blobs,
			Convs:     convs,
			Identity:  idp,
			Notifier:  noopNotifier{},
			Responder: echoResponder{},
		},
	}
}

func (f *fixture) newSession(t *testing.T, key string, opts ...Option) *Session {
	t.Helper()
	s := NewFactory(f.deps, opts...)(key)
	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	return s
}

func mustTurn(t *testing.T, s *Session, convID, token, content string) *TurnResult {
	t.Helper()
	res, err := s.HandleTurn(context.Background(), TurnRequest{ConversationID: convID, Token: token, Content: content})
	if err != nil {
		t.Fatalf("turn %q: %v", content, err)
	}
	return res
}

func TestFirstTurnCreatesConversation(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")

	res := mustTurn(t, s, "", "tokA", "plan me a weekend")
	if res.ConversationID == "" {
		t.Fatal("expected a synthesized conversation id")
	}
	if res.UserID != "userA" {
		t.Fatalf("user = %q, want userA", res.UserID)
	}
	if res.Reply != "echo: plan me a weekend" {
		t.Fatalf("reply = %q", res.Reply)
	}

	header, err := f.convs.GetConversation(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("header missing after turn: %v", err)
	}
	if header.Title != PlaceholderTitle || header.UserID != "userA" {
		t.Fatalf("unexpected header: %+v", header)
	}
	msgs, err := f.convs.ListMessages(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("durable log = %+v", msgs)
	}
}

func TestRepeatRequestsDoNotReload(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")

	mustTurn(t, s, "conv1", "tokA", "one")
	mustTurn(t, s, "conv1", "tokA", "two")
	mustTurn(t, s, "conv1", "tokA", "three")

	// Only the very first turn reloads; after that the in-memory log is
	// authoritative for the bound id.
	if got := f.convs.ListMessagesCalls.Load(); got != 1 {
		t.Fatalf("ListMessages called %d times, want 1", got)
	}
	if got := len(s.Messages()); got != 6 {
		t.Fatalf("in-memory log has %d messages, want 6", got)
	}
}

func TestRebindTriggersReload(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")

	mustTurn(t, s, "convA", "tokA", "a1")
	mustTurn(t, s, "convB", "tokA", "b1")
	res := mustTurn(t, s, "convA", "tokA", "a2")

	// Turn 1: binding unset. Turn 2: different id. Turn 3: different id
	// again. Every switch reloads.
	if got := f.convs.ListMessagesCalls.Load(); got != 3 {
		t.Fatalf("ListMessages called %d times, want 3", got)
	}
	if res.MessageCount != 4 {
		t.Fatalf("convA log has %d messages after rebind, want 4", res.MessageCount)
	}
	msgs := s.Messages()
	if msgs[0].Content != "a1" || msgs[2].Content != "a2" {
		t.Fatalf("reloaded log out of order: %+v", msgs)
	}
}

func TestColdStartReloadsFromDurable(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")
	res := mustTurn(t, s, "conv1", "tokA", "before eviction")

	// A fresh actor for the same key: binding survives via the blob
	// store, the message log via the conversation store.
	s2 := f.newSession(t, "sess1")
	res2 := mustTurn(t, s2, res.ConversationID, "tokA", "after eviction")
	if res2.MessageCount != 4 {
		t.Fatalf("log has %d messages after cold start, want 4", res2.MessageCount)
	}
	if msgs := s2.Messages(); msgs[0].Content != "before eviction" {
		t.Fatalf("history lost across cold start: %+v", msgs)
	}
}

func TestDurableLogRewrittenEveryTurn(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")

	mustTurn(t, s, "conv1", "tokA", "one")
	mustTurn(t, s, "conv1", "tokA", "two")

	if got := f.convs.DeleteMessagesCalls.Load(); got != 2 {
		t.Fatalf("DeleteMessages called %d times, want 2", got)
	}
	// Turn 1 rewrites 2 messages, turn 2 rewrites 4.
	if got := f.convs.InsertMessageCalls.Load(); got != 6 {
		t.Fatalf("InsertMessage called %d times, want 6", got)
	}
}

func TestIdentityFallsBackToStoredToken(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")

	mustTurn(t, s, "conv1", "tokA", "authenticated turn")
	res := mustTurn(t, s, "conv1", "", "tokenless turn")
	if res.UserID != "userA" {
		t.Fatalf("user = %q, want userA via stored token", res.UserID)
	}
}

func TestIdentityFallsBackToConversationOwner(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	if err := f.convs.UpsertConversation(context.Background(), store.Conversation{ID: "conv1", UserID: "userB", Title: PlaceholderTitle, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := f.newSession(t, "sess1")
	res := mustTurn(t, s, "conv1", "", "no token at all")
	if res.UserID != "userB" {
		t.Fatalf("user = %q, want the durable record owner", res.UserID)
	}
}

func TestUnauthorizedWhenNoIdentitySource(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")

	_, err := s.HandleTurn(context.Background(), TurnRequest{ConversationID: "conv1", Content: "who am i"})
	if !errors.Is(err, identity.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if got := f.convs.InsertMessageCalls.Load(); got != 0 {
		t.Fatalf("durable store written on unauthorized turn: %d inserts", got)
	}
}

func TestResponderFailureLeavesLogUntouched(t *testing.T) {
	f := newFixture()
	s := f.newSession(t, "sess1")
	mustTurn(t, s, "conv1", "tokA", "one")

	f.deps.Responder = failingResponder{}
	s2 := f.newSession(t, "sess2")
	if _, err := s2.HandleTurn(context.Background(), TurnRequest{ConversationID: "conv1", Token: "tokA", Content: "doomed"}); err == nil {
		t.Fatal("expected responder failure to fail the turn")
	}
	if got := len(s2.Messages()); got != 2 {
		t.Fatalf("in-memory log has %d messages, want the 2 reloaded ones", got)
	}
	msgs, err := f.convs.ListMessages(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("durable log rewritten on a failed turn: %+v", msgs)
	}
}

// headerFailStore fails conversation header reads on demand while
// leaving the rest of the store healthy.
type headerFailStore struct {
	store.ConversationStore
	fail atomic.Bool
}

func (s *headerFailStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if s.fail.Load() {
		return nil, errors.New("store down")
	}
	return s.ConversationStore.GetConversation(ctx, id)
}

func TestTransientHeaderLoadFailureSkipsRewrite(t *testing.T) {
	f := newFixture()
	flaky := &headerFailStore{ConversationStore: f.convs}
	f.deps.Convs = flaky
	s := f.newSession(t, "sess1")

	mustTurn(t, s, "conv1", "tokA", "one")
	before, err := f.convs.GetConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	flaky.fail.Store(true)
	res := mustTurn(t, s, "conv1", "tokA", "two")
	if res.MessageCount != 4 {
		t.Fatalf("in-memory log has %d messages, want 4", res.MessageCount)
	}

	// The durable copy must not be rewritten under a failed header read:
	// no placeholder upsert, no delete-then-insert of the log.
	after, err := f.convs.GetConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("header rewritten during outage: %+v", after)
	}
	msgs, err := f.convs.ListMessages(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("durable log rewritten during outage: %d messages", len(msgs))
	}
	if got := f.convs.DeleteMessagesCalls.Load(); got != 1 {
		t.Fatalf("DeleteMessages called %d times, want 1", got)
	}

	// Recovery: the next turn rewrites everything.
	flaky.fail.Store(false)
	mustTurn(t, s, "conv1", "tokA", "three")
	msgs, err = f.convs.ListMessages(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("durable log has %d messages after recovery, want 6", len(msgs))
	}
}

func TestTitleDerivedAfterThirdUserTurn(t *testing.T) {
	f := newFixture()
	notifier := newRecordingNotifier()
	f.deps.Notifier = notifier
	s := f.newSession(t, "sess1")

	mustTurn(t, s, "conv1", "tokA", "Plan a week in Portugal with my family this autumn please")
	mustTurn(t, s, "conv1", "tokA", "two")
	mustTurn(t, s, "conv1", "tokA", "three")

	select {
	case upd := <-notifier.ch:
		if upd.Kind != "conversations-updated" || len(upd.Conversations) != 1 {
			t.Fatalf("unexpected notification: %+v", upd)
		}
		if upd.Conversations[0].Title == PlaceholderTitle {
			t.Fatalf("title still placeholder in notification: %+v", upd.Conversations[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no conversations-updated notification after third user turn")
	}

	header, err := f.convs.GetConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if header.Title != "Plan a week in Portugal with my family this" {
		t.Fatalf("derived title = %q", header.Title)
	}

	// Further turns must not re-derive: the title is no longer the
	// placeholder.
	mustTurn(t, s, "conv1", "tokA", "four")
	time.Sleep(50 * time.Millisecond)
	if got := f.convs.SetTitleCalls.Load(); got != 1 {
		t.Fatalf("SetTitle called %d times, want 1", got)
	}
}

func TestFirstTurnTitler(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"Short and sweet"}, "Short and sweet"},
		{[]string{"  collapse \n whitespace   runs  "}, "collapse whitespace runs"},
		{[]string{"This opening user turn is much longer than the cutoff allows"}, "This opening user turn is much longer than the"},
	}
	for _, tc := range cases {
		got, err := firstTurnTitler{}.Title(context.Background(), tc.in)
		if err != nil {
			t.Fatalf("title(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("title(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
