// Package collab implements the collaborative itinerary-editing
// session actor: multi-user realtime editing with presence, cursors,
// chat, voting, and a bounded in-memory edit history. One actor owns
// one itinerary key; the owning registry serializes every operation,
// so nothing here locks.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/planloop/planloop/sessions"
	"github.com/planloop/planloop/store"
	"github.com/samber/lo"
)

// colorPalette is the fixed 8-entry palette cycled over joins.
// Deterministic round-robin keeps tests reproducible; observable
// behavior does not depend on the selection method.
var colorPalette = [8]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

// ClientConn is the outbound half of one attached client connection.
// *websocket.Conn satisfies it directly.
type ClientConn interface {
	WriteJSON(v any) error
	Close() error
}

// JoinRequest carries the client-supplied identity for a new
// connection. Empty fields are synthesized by the actor.
type JoinRequest struct {
	UserID string
	Name   string
	Email  string
}

// StateSnapshot is the plain-read view of the session.
type StateSnapshot struct {
	Document          *Itinerary `json:"document"`
	Presence          []Presence `json:"presence"`
	ActiveConnections int        `json:"activeConnections"`
}

// ErrNoDocument is returned by operations that need a document before
// one was created for the key.
var ErrNoDocument = errors.New("collab: no document for key")

// Option configures the session factory.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	clock  func() time.Time
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithClock overrides the timestamp source for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *newConfig) { c.clock = clock }
}

// NewFactory returns a sessions.Factory producing collab session actors
// persisting documents into blobs.
func NewFactory(blobs store.BlobStore, opts ...Option) sessions.Factory[*Session] {
	cfg := newConfig{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return func(key string) *Session {
		return &Session{
			key:     key,
			blobs:   blobs,
			log:     cfg.logger.With(slog.String("key", key)),
			clock:   cfg.clock,
			conns:   make(map[string]*conn),
			votes:   make(map[string]map[string]Vote),
			history: newEditHistory(),
		}
	}
}

type conn struct {
	id       string
	cc       ClientConn
	user     Participant
	presence Presence
}

// Session is one itinerary's collaborative-editing actor.
type Session struct {
	key   string
	blobs store.BlobStore
	log   *slog.Logger
	clock func() time.Time

	doc      *Itinerary
	conns    map[string]*conn
	votes    map[string]map[string]Vote // activityID -> userID -> vote
	history  *editHistory
	colorIdx int
}

func (s *Session) blobKey() string { return "itinerary:" + s.key }

// Hydrate loads the persisted document. A missing blob is a valid
// state: the key simply has no document yet.
func (s *Session) Hydrate(ctx context.Context) error {
	data, err := s.blobs.Get(ctx, s.blobKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load document: %w", err)
	}
	var doc Itinerary
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	s.doc = &doc
	return nil
}

// Idle reports whether the actor can be evicted: only when no
// connection is attached.
func (s *Session) Idle() bool { return len(s.conns) == 0 }

// Join registers a new connection, assigns it a palette color, sends
// the full snapshot to the new connection only, and announces the join
// to everyone else. Returns the connection id used for subsequent
// HandleMessage/Leave calls.
func (s *Session) Join(ctx context.Context, cc ClientConn, req JoinRequest) (string, error) {
	userID := req.UserID
	if userID == "" {
		userID = "guest-" + uuid.NewString()[:8]
	}
	name := req.Name
	if name == "" {
		name = "Guest"
	}

	user := Participant{
		UserID: userID,
		Name:   name,
		Email:  req.Email,
		Color:  colorPalette[s.colorIdx%len(colorPalette)],
	}
	s.colorIdx++

	c := &conn{
		id:   uuid.NewString(),
		cc:   cc,
		user: user,
		presence: Presence{
			UserID:     user.UserID,
			Name:       user.Name,
			Color:      user.Color,
			LastSeenAt: s.clock(),
		},
	}

	init := initMsg{
		Type:         TypeInit,
		Document:     s.doc,
		AssignedUser: user,
		Presence:     append(s.presenceList(), c.presence),
	}
	if err := cc.WriteJSON(init); err != nil {
		return "", fmt.Errorf("send init snapshot: %w", err)
	}

	s.conns[c.id] = c
	s.broadcast(c.id, userJoinedMsg{Type: TypeUserJoined, User: user})
	s.log.Info("collab.join.ok", slog.String("user_id", user.UserID), slog.Int("connections", len(s.conns)))
	return c.id, nil
}

// Leave removes the connection and its presence entry and announces the
// departure. Unknown ids are ignored (the connection may have been
// pruned during a failed broadcast).
func (s *Session) Leave(connID string) {
	c, ok := s.conns[connID]
	if !ok {
		return
	}
	delete(s.conns, connID)
	_ = c.cc.Close()
	s.broadcast("", userLeftMsg{Type: TypeUserLeft, UserID: c.user.UserID})
	s.log.Info("collab.leave.ok", slog.String("user_id", c.user.UserID), slog.Int("connections", len(s.conns)))
}

// HandleMessage processes one inbound frame from connID. Malformed
// frames are logged and dropped; the connection stays open.
func (s *Session) HandleMessage(ctx context.Context, connID string, data []byte) error {
	c, ok := s.conns[connID]
	if !ok {
		return nil
	}
	c.presence.LastSeenAt = s.clock()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("collab.envelope.malformed", slog.String("err", err.Error()))
		return nil
	}

	switch env.Type {
	case TypeEdit:
		s.handleEdit(ctx, c, env)
	case TypeCursor:
		c.presence.Cursor = env.Cursor
		s.broadcast(c.id, cursorUpdateMsg{Type: TypeCursorUpdate, UserID: c.user.UserID, Cursor: env.Cursor})
	case TypeTyping:
		s.broadcast(c.id, typingMsg{Type: TypeTyping, ActivityID: env.ActivityID, Name: c.user.Name})
	case TypeVote:
		s.handleVote(c, env)
	case TypeChat:
		s.broadcast("", chatMsg{Type: TypeChatMessage, User: c.user, Text: env.Text, Timestamp: s.clock()})
	default:
		s.log.Warn("collab.envelope.unknown_type", slog.String("type", env.Type))
	}
	return nil
}

func (s *Session) handleEdit(ctx context.Context, c *conn, env Envelope) {
	if env.Action == nil {
		s.log.Warn("collab.edit.missing_action")
		return
	}
	action := *env.Action
	if err := action.Validate(); err != nil {
		s.log.Warn("collab.edit.invalid", slog.String("err", err.Error()))
		return
	}
	if s.doc == nil {
		s.log.Warn("collab.edit.no_document")
		return
	}

	action.UserID = c.user.UserID
	action.Timestamp = s.clock()

	if !s.doc.Apply(action) {
		// Target not found (e.g. activity-add to a missing day). The
		// fold drops it without surfacing a failure to the client, and
		// the history records applied actions only.
		s.log.Debug("collab.edit.noop", slog.String("action", string(action.Type)))
		return
	}
	s.history.append(action)

	// Persist the whole document before broadcasting so any subsequent
	// durable read observes state at least as fresh as the broadcast.
	if err := s.persist(ctx); err != nil {
		// In-memory state is NOT rolled back; a crash before the next
		// successful persist loses this edit on cold start.
		s.log.Error("collab.persist.fail", slog.String("err", err.Error()))
	}

	s.broadcast("", editMsg{Type: TypeEdit, Action: action, User: c.user})
}

func (s *Session) handleVote(c *conn, env Envelope) {
	if env.ActivityID == "" || !env.Vote.valid() {
		s.log.Warn("collab.vote.invalid", slog.String("activity_id", env.ActivityID), slog.String("vote", string(env.Vote)))
		return
	}
	byUser, ok := s.votes[env.ActivityID]
	if !ok {
		byUser = make(map[string]Vote)
		s.votes[env.ActivityID] = byUser
	}
	byUser[c.user.UserID] = env.Vote

	counts := lo.CountValues(lo.Values(byUser))
	totals := VoteTotals{Up: counts[VoteUp], Down: counts[VoteDown], Neutral: counts[VoteNeutral]}
	s.broadcast("", voteUpdateMsg{Type: TypeVoteUpdate, ActivityID: env.ActivityID, Votes: totals})
}

// State returns the plain-read snapshot.
func (s *Session) State() StateSnapshot {
	return StateSnapshot{
		Document:          s.doc,
		Presence:          s.presenceList(),
		ActiveConnections: len(s.conns),
	}
}

// CreateDocument sets and persists the initial document, overwriting
// any existing one for this key.
func (s *Session) CreateDocument(ctx context.Context, doc *Itinerary, creatorID string) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	s.doc = doc
	if err := s.persist(ctx); err != nil {
		return "", err
	}
	s.log.Info("collab.create.ok", slog.String("creator_id", creatorID), slog.String("document_id", doc.ID))
	return doc.ID, nil
}

// History returns the retained edit actions, oldest first.
func (s *Session) History() []EditAction {
	return s.history.actions()
}

func (s *Session) persist(ctx context.Context) error {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := s.blobs.Put(ctx, s.blobKey(), data); err != nil {
		return fmt.Errorf("persist document: %w", err)
	}
	return nil
}

func (s *Session) presenceList() []Presence {
	out := lo.Map(lo.Values(s.conns), func(c *conn, _ int) Presence { return c.presence })
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// broadcast writes payload to every connection except excludeConnID. A
// write failure prunes only that connection; everyone else still
// receives the message. Pruned connections are announced as departed.
func (s *Session) broadcast(excludeConnID string, payload any) {
	pruned := s.send(excludeConnID, payload)
	for len(pruned) > 0 {
		departed := pruned
		pruned = nil
		for _, c := range departed {
			pruned = append(pruned, s.send("", userLeftMsg{Type: TypeUserLeft, UserID: c.user.UserID})...)
		}
	}
}

func (s *Session) send(excludeConnID string, payload any) []*conn {
	var failed []*conn
	for _, c := range s.conns {
		if c.id == excludeConnID {
			continue
		}
		if err := c.cc.WriteJSON(payload); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		delete(s.conns, c.id)
		_ = c.cc.Close()
		s.log.Warn("collab.conn.prune", slog.String("user_id", c.user.UserID), slog.String("err", "write failed"))
	}
	return failed
}
