// Package httpapi exposes the session actors over HTTP: websocket
// attachment for collaborative editing, an SSE stream for per-user
// notifications, and plain JSON endpoints for documents and chat turns.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/planloop/planloop/collab"
	"github.com/planloop/planloop/conversation"
	"github.com/planloop/planloop/identity"
	"github.com/planloop/planloop/internal/logctx"
	"github.com/planloop/planloop/notify"
	"github.com/planloop/planloop/sessions"
	"github.com/planloop/planloop/store"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const authorizationHeader = "Authorization"

// DefaultWriteTimeout bounds each websocket and SSE frame write. The
// outer http.Server runs without a WriteTimeout so streams can live
// indefinitely; per-frame deadlines are what turn a stalled peer into
// a write error that prunes its connection.
const DefaultWriteTimeout = 10 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Deps are the collaborators the handler routes to.
type Deps struct {
	Collab        *sessions.Registry[*collab.Session]
	Conversations *sessions.Registry[*conversation.Session]
	Hub           *notify.Hub
	ConvStore     store.ConversationStore
	Identity      identity.Provider
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	writeTimeout time.Duration
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.writeTimeout = d }
}

// Handler is the HTTP front for the coordination layer.
type Handler struct {
	log          *slog.Logger
	deps         Deps
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	mux          *http.ServeMux
}

// New builds the handler and its route table.
func New(deps Deps, opts ...Option) (*Handler, error) {
	cfg := newConfig{writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if deps.Collab == nil || deps.Conversations == nil || deps.Hub == nil || deps.ConvStore == nil || deps.Identity == nil {
		return nil, errors.New("httpapi: all Deps fields are required")
	}

	h := &Handler{
		log:          cfg.logger,
		deps:         deps,
		writeTimeout: cfg.writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is a deployment concern; the handler sits
			// behind a gateway that enforces it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /itineraries", h.handleCreateItinerary)
	h.mux.HandleFunc("GET /itineraries/{id}/state", h.handleItineraryState)
	h.mux.HandleFunc("GET /itineraries/{id}/history", h.handleItineraryHistory)
	h.mux.HandleFunc("GET /itineraries/{id}/ws", h.handleItineraryWS)
	h.mux.HandleFunc("GET /notifications/stream", h.handleNotificationStream)
	h.mux.HandleFunc("POST /assistant/{session}/messages", h.handleAssistantMessage)
	h.mux.HandleFunc("GET /conversations", h.handleListConversations)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// bearerToken extracts the Authorization bearer token, or the token
// query parameter as a fallback for browser websocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	if raw := r.Header.Get(authorizationHeader); raw != "" {
		if tok, ok := strings.CutPrefix(raw, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireIdentity resolves the caller or writes a 401.
func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	tok := bearerToken(r)
	if tok == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	id, err := h.deps.Identity.Resolve(r.Context(), tok)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
		return nil, false
	}
	return id, true
}

func (h *Handler) handleCreateItinerary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var doc collab.Itinerary
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	var docID string
	err := h.deps.Collab.Do(r.Context(), doc.ID, func(ctx context.Context, s *collab.Session) error {
		var err error
		docID, err = s.CreateDocument(ctx, &doc, id.UserID)
		return err
	})
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSONError(w, http.StatusBadRequest, "invalid itinerary: "+verrs.Error())
			return
		}
		h.log.Error("api.itinerary.create.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to create itinerary")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "documentId": docID})
}

func (h *Handler) handleItineraryState(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	var snap collab.StateSnapshot
	err := h.deps.Collab.Do(r.Context(), key, func(ctx context.Context, s *collab.Session) error {
		snap = s.State()
		return nil
	})
	if err != nil {
		h.log.Error("api.itinerary.state.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	if snap.Document == nil {
		writeJSONError(w, http.StatusNotFound, "no itinerary for id")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleItineraryHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	var actions []collab.EditAction
	err := h.deps.Collab.Do(r.Context(), key, func(ctx context.Context, s *collab.Session) error {
		actions = s.History()
		return nil
	})
	if err != nil {
		h.log.Error("api.itinerary.history.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (h *Handler) handleItineraryWS(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")

	// Identity is optional on the editing socket: tokenless clients
	// join as synthesized guests.
	var join collab.JoinRequest
	if tok := bearerToken(r); tok != "" {
		id, err := h.deps.Identity.Resolve(r.Context(), tok)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		join = collab.JoinRequest{UserID: id.UserID, Name: id.Name, Email: id.Email}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.log.Warn("api.ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	ctx := logctx.WithActorData(r.Context(), &logctx.ActorData{Kind: "collab", Key: key})

	var connID string
	cc := &wsConn{ws: ws, timeout: h.writeTimeout}
	err = h.deps.Collab.Do(ctx, key, func(ctx context.Context, s *collab.Session) error {
		var err error
		connID, err = s.Join(ctx, cc, join)
		return err
	})
	if err != nil {
		h.log.Warn("api.ws.join.fail", slog.String("err", err.Error()))
		_ = ws.Close()
		return
	}

	// Reads happen here; all writes to the socket happen on the actor
	// goroutine.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		err = h.deps.Collab.Do(ctx, key, func(ctx context.Context, s *collab.Session) error {
			return s.HandleMessage(ctx, connID, data)
		})
		if err != nil {
			h.log.Warn("api.ws.message.fail", slog.String("err", err.Error()))
			break
		}
	}

	// The request context is gone once the client disconnects.
	leaveCtx := context.WithoutCancel(ctx)
	_ = h.deps.Collab.Do(leaveCtx, key, func(ctx context.Context, s *collab.Session) error {
		s.Leave(connID)
		return nil
	})
}

// wsConn adapts a gorilla websocket connection to collab.ClientConn,
// arming a write deadline before every frame so a peer that stops
// reading fails the write instead of blocking the actor goroutine.
type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
}

func (c *wsConn) WriteJSON(v any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// flushWriter adapts an http.ResponseWriter to notify.StreamWriter,
// exposing per-write deadlines through http.ResponseController.
type flushWriter struct {
	io.Writer
	http.Flusher
	rc *http.ResponseController
}

func (f flushWriter) SetWriteDeadline(t time.Time) error {
	return f.rc.SetWriteDeadline(t)
}

func (h *Handler) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	sub, err := h.deps.Hub.Subscribe(r.Context(), id.UserID, flushWriter{Writer: w, Flusher: f, rc: http.NewResponseController(w)})
	if err != nil {
		h.log.Error("api.stream.subscribe.fail", slog.String("err", err.Error()))
		return
	}
	h.log.Info("api.stream.open", slog.String("user_id", id.UserID), slog.String("sub_id", sub.ID()))

	select {
	case <-r.Context().Done():
	case <-sub.Done():
	}

	if err := h.deps.Hub.Unsubscribe(context.WithoutCancel(r.Context()), id.UserID, sub.ID()); err != nil {
		h.log.Warn("api.stream.unsubscribe.fail", slog.String("err", err.Error()))
	}
	h.log.Info("api.stream.close", slog.String("user_id", id.UserID), slog.String("sub_id", sub.ID()))
}

type assistantMessageBody struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content" validate:"required"`
}

func (h *Handler) handleAssistantMessage(w http.ResponseWriter, r *http.Request) {
	sessionKey := r.PathValue("session")

	var body assistantMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	req := conversation.TurnRequest{
		ConversationID: body.ConversationID,
		Token:          bearerToken(r),
		Content:        body.Content,
	}

	ctx := logctx.WithActorData(r.Context(), &logctx.ActorData{Kind: "conversation", Key: sessionKey})
	var res *conversation.TurnResult
	err := h.deps.Conversations.Do(ctx, sessionKey, func(ctx context.Context, s *conversation.Session) error {
		var err error
		res, err = s.HandleTurn(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			writeJSONError(w, http.StatusUnauthorized, "no usable identity for this turn")
			return
		}
		h.log.Error("api.assistant.turn.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "failed to complete turn")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	list, err := h.deps.ConvStore.ListConversations(r.Context(), id.UserID)
	if err != nil {
		h.log.Error("api.conversations.list.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if list == nil {
		list = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}
