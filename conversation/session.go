// Package conversation implements the chat-turn session actor. Its job
// is keeping one consistent in-memory message log under a changing
// binding between the volatile actor key and the stable conversation
// id, and rewriting the durable copy wholesale at the end of every
// turn.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/planloop/planloop/identity"
	"github.com/planloop/planloop/sessions"
	"github.com/planloop/planloop/store"
)

// PlaceholderTitle is the header title until one is derived from the
// conversation content.
const PlaceholderTitle = "New conversation"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Notifier delivers out-of-band events to every open stream a user
// holds. notify.Hub satisfies it.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload any) (int, error)
}

// Responder produces the assistant reply for a turn. The AI backend
// behind it is an external collaborator; history ends with the
// just-submitted user message.
type Responder interface {
	Respond(ctx context.Context, history []store.Message) (string, error)
}

// TitleGenerator derives a short conversation title from the first few
// user turns.
type TitleGenerator interface {
	Title(ctx context.Context, userTurns []string) (string, error)
}

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"-"`
	Content        string `json:"content"`
}

// TurnResult is returned to the caller once the turn completed.
type TurnResult struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Reply          string `json:"reply"`
	MessageCount   int    `json:"messageCount"`
}

// ConversationsUpdated is the fan-out payload sent after a title
// refresh so other connections see the new list.
type ConversationsUpdated struct {
	Kind          string               `json:"kind"`
	Conversations []store.Conversation `json:"conversations"`
}

// binding is the durable per-actor record detecting identity switches.
type binding struct {
	LastConversationID string `json:"lastConversationId"`
	Token              string `json:"token,omitempty"`
}

// Deps are the collaborators one conversation actor talks to.
type Deps struct {
	Blobs     store.BlobStore
	Convs     store.ConversationStore
	Identity  identity.Provider
	Notifier  Notifier
	Responder Responder
}

// Option configures the session factory.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	clock  func() time.Time
	titler TitleGenerator
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithClock overrides the timestamp source for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *newConfig) { c.clock = clock }
}

// WithTitleGenerator replaces the default first-turn titler.
func WithTitleGenerator(tg TitleGenerator) Option {
	return func(c *newConfig) { c.titler = tg }
}

// NewFactory returns a sessions.Factory producing conversation actors.
func NewFactory(deps Deps, opts ...Option) sessions.Factory[*Session] {
	cfg := newConfig{
		clock:  func() time.Time { return time.Now().UTC() },
		titler: firstTurnTitler{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return func(key string) *Session {
		return &Session{
			key:    key,
			deps:   deps,
			log:    cfg.logger.With(slog.String("key", key)),
			clock:  cfg.clock,
			titler: cfg.titler,
		}
	}
}

// Session is one actor instance. The owning registry serializes all
// operations, so fields need no locking; only the title job leaves the
// actor goroutine, and it works on copies.
type Session struct {
	key    string
	deps   Deps
	log    *slog.Logger
	clock  func() time.Time
	titler TitleGenerator

	binding binding
	msgs    []store.Message
}

func (s *Session) bindingKey() string { return "convbind:" + s.key }

// Hydrate loads the durable binding record. The message log itself is
// reconciled lazily per request, because the bound conversation id can
// change between requests.
func (s *Session) Hydrate(ctx context.Context) error {
	data, err := s.deps.Blobs.Get(ctx, s.bindingKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load binding: %w", err)
	}
	if err := json.Unmarshal(data, &s.binding); err != nil {
		return fmt.Errorf("decode binding: %w", err)
	}
	return nil
}

// Messages exposes the in-memory log (read-only use).
func (s *Session) Messages() []store.Message {
	out := make([]store.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// HandleTurn runs one chat turn: rebind/reload if needed, resolve the
// acting identity, obtain the assistant reply, then rewrite the durable
// log so it matches the in-memory truth exactly.
func (s *Session) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	if err := s.rebind(ctx, convID, req.Token); err != nil {
		return nil, err
	}

	userID, err := s.resolveUser(ctx, convID, req.Token)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	userMsg := store.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           RoleUser,
		Content:        req.Content,
		CreatedAt:      now,
	}

	// The reply is produced against history + the new user message; the
	// log is only extended once the responder succeeded, so a failed
	// turn leaves both memory and the durable copy untouched.
	history := append(append([]store.Message{}, s.msgs...), userMsg)
	reply, err := s.deps.Responder.Respond(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("respond: %w", err)
	}

	assistantMsg := store.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           RoleAssistant,
		Content:        reply,
		CreatedAt:      s.clock(),
	}
	s.msgs = append(s.msgs, userMsg, assistantMsg)

	s.completeTurn(ctx, convID, userID)

	return &TurnResult{
		ConversationID: convID,
		UserID:         userID,
		Reply:          reply,
		MessageCount:   len(s.msgs),
	}, nil
}

// rebind implements the identity-and-binding state machine: reload the
// in-memory log from the durable store whenever the binding is unset,
// the requested id differs, or the log is empty; then persist the
// requested id as the new binding.
func (s *Session) rebind(ctx context.Context, convID, token string) error {
	needsReload := s.binding.LastConversationID == "" ||
		convID != s.binding.LastConversationID ||
		len(s.msgs) == 0

	if needsReload {
		s.msgs = nil
		msgs, err := s.deps.Convs.ListMessages(ctx, convID)
		if err != nil {
			return fmt.Errorf("reload messages: %w", err)
		}
		// An empty result is valid: a brand-new conversation.
		s.msgs = msgs
		s.log.Debug("conversation.reload", slog.String("conversation_id", convID), slog.Int("messages", len(msgs)))
	}

	s.binding.LastConversationID = convID
	if token != "" {
		s.binding.Token = token
	}
	data, err := json.Marshal(s.binding)
	if err != nil {
		return fmt.Errorf("encode binding: %w", err)
	}
	if err := s.deps.Blobs.Put(ctx, s.bindingKey(), data); err != nil {
		// A lost binding only costs an extra reload next time.
		s.log.Warn("conversation.binding.persist.fail", slog.String("err", err.Error()))
	}
	return nil
}

// resolveUser walks the fallback chain: request token, then the token
// stored with the binding, then the owner of the existing durable
// conversation record. Unauthorized only when all three fail.
func (s *Session) resolveUser(ctx context.Context, convID, reqToken string) (string, error) {
	if reqToken != "" {
		if id, err := s.deps.Identity.Resolve(ctx, reqToken); err == nil {
			return id.UserID, nil
		} else {
			s.log.Debug("conversation.auth.request_token.fail", slog.String("err", err.Error()))
		}
	}
	if s.binding.Token != "" && s.binding.Token != reqToken {
		if id, err := s.deps.Identity.Resolve(ctx, s.binding.Token); err == nil {
			return id.UserID, nil
		} else {
			s.log.Debug("conversation.auth.stored_token.fail", slog.String("err", err.Error()))
		}
	}
	if conv, err := s.deps.Convs.GetConversation(ctx, convID); err == nil && conv.UserID != "" {
		return conv.UserID, nil
	}
	return "", fmt.Errorf("%w: no token and no conversation owner for %q", identity.ErrUnauthorized, convID)
}

// completeTurn rewrites the durable copy (header upsert, delete-all
// then insert-all) and kicks the title job when due. Write failures are
// logged, not rolled back: a crash before the next successful rewrite
// can lose this turn on cold start.
func (s *Session) completeTurn(ctx context.Context, convID, userID string) {
	now := s.clock()
	header, err := s.deps.Convs.GetConversation(ctx, convID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// A transient header read failure must not rewrite the
			// durable copy with a placeholder; skip this rewrite and
			// let the next turn retry.
			s.log.Error("conversation.header.load.fail", slog.String("err", err.Error()))
			return
		}
		header = &store.Conversation{
			ID:        convID,
			UserID:    userID,
			Title:     PlaceholderTitle,
			CreatedAt: now,
		}
	}
	header.UpdatedAt = now
	if err := s.deps.Convs.UpsertConversation(ctx, *header); err != nil {
		s.log.Error("conversation.header.persist.fail", slog.String("err", err.Error()))
	}

	if err := s.deps.Convs.DeleteMessages(ctx, convID); err != nil {
		s.log.Error("conversation.messages.delete.fail", slog.String("err", err.Error()))
	}
	for _, msg := range s.msgs {
		if err := s.deps.Convs.InsertMessage(ctx, msg); err != nil {
			s.log.Error("conversation.messages.insert.fail", slog.String("err", err.Error()))
		}
	}

	var userTurns []string
	for _, msg := range s.msgs {
		if msg.Role == RoleUser {
			userTurns = append(userTurns, msg.Content)
		}
	}
	// Derive a title once the conversation has substance. The
	// check-then-act against concurrent turns is an accepted race:
	// at-least-once, not exactly-once.
	if (len(userTurns) == 3 || len(userTurns) == 4) && header.Title == PlaceholderTitle {
		if len(userTurns) > 3 {
			userTurns = userTurns[:3]
		}
		go s.deriveTitle(context.WithoutCancel(ctx), convID, userID, userTurns)
	}
}

// deriveTitle runs off the actor goroutine; it touches only the durable
// store and the notifier, never actor state.
func (s *Session) deriveTitle(ctx context.Context, convID, userID string, userTurns []string) {
	title, err := s.titler.Title(ctx, userTurns)
	if err != nil || title == "" {
		s.log.Warn("conversation.title.derive.fail", slog.String("err", fmt.Sprintf("%v", err)))
		return
	}
	if err := s.deps.Convs.SetTitle(ctx, convID, title); err != nil {
		s.log.Warn("conversation.title.persist.fail", slog.String("err", err.Error()))
		return
	}
	list, err := s.deps.Convs.ListConversations(ctx, userID)
	if err != nil {
		s.log.Warn("conversation.list.fail", slog.String("err", err.Error()))
		return
	}
	delivered, err := s.deps.Notifier.Notify(ctx, userID, ConversationsUpdated{Kind: "conversations-updated", Conversations: list})
	if err != nil {
		s.log.Warn("conversation.title.notify.fail", slog.String("err", err.Error()))
		return
	}
	s.log.Info("conversation.title.ok", slog.String("conversation_id", convID), slog.Int("delivered", delivered))
}

var _ sessions.Actor = (*Session)(nil)
