package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planloop/planloop/collab"
	"github.com/planloop/planloop/conversation"
	"github.com/planloop/planloop/identity"
	"github.com/planloop/planloop/identity/identitytest"
	"github.com/planloop/planloop/notify"
	"github.com/planloop/planloop/sessions"
	"github.com/planloop/planloop/store"
	"github.com/planloop/planloop/store/memory"
)

type echoResponder struct{}

func (echoResponder) Respond(ctx context.Context, history []store.Message) (string, error) {
	return "echo: " + history[len(history)-1].Content, nil
}

type env struct {
	server *httptest.Server
	hub    *notify.Hub
	convs  store.ConversationStore
}

func newTestEnv(t *testing.T, opts ...Option) *env {
	t.Helper()

	blobs := memory.NewBlobStore()
	convs := memory.NewConversationStore()
	idp := identitytest.New(map[string]identity.Identity{
		"tokA": {UserID: "userA", Name: "Alice", Email: "alice@example.com"},
		"tokB": {UserID: "userB", Name: "Bob"},
	})

	hub := notify.NewHub(notify.WithKeepaliveInterval(50 * time.Millisecond))
	collabReg := sessions.NewRegistry(collab.NewFactory(blobs))
	convReg := sessions.NewRegistry(conversation.NewFactory(conversation.Deps{
		Blobs:     blobs,
		Convs:     convs,
		Identity:  idp,
		Notifier:  hub,
		Responder: echoResponder{},
	}))

	h, err := New(Deps{
		Collab:        collabReg,
		Conversations: convReg,
		Hub:           hub,
		ConvStore:     convs,
		Identity:      idp,
	}, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		collabReg.Close()
		convReg.Close()
	})
	return &env{server: ts, hub: hub, convs: convs}
}

func (e *env) doJSON(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *env) dialWS(t *testing.T, itineraryID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/itineraries/" + itineraryID + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readUntilType drains frames until one of the wanted type arrives.
func readUntilType(t *testing.T, ws *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = ws.SetReadDeadline(deadline)
	for {
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("reading for %q frame: %v", wantType, err)
		}
		if frame["type"] == wantType {
			return frame
		}
	}
}

func (e *env) createItinerary(t *testing.T, token string) string {
	t.Helper()
	resp, body := e.doJSON(t, http.MethodPost, "/itineraries", token, map[string]any{
		"title": "Lisbon long weekend",
		"days":  []map[string]any{{"dayNumber": 1}, {"dayNumber": 2}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Fatalf("create response not successful: %v", body)
	}
	id, _ := body["documentId"].(string)
	if id == "" {
		t.Fatalf("no documentId in create response: %v", body)
	}
	return id
}

func TestCreateItineraryRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.doJSON(t, http.MethodPost, "/itineraries", "", map[string]any{"title": "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateItineraryRejectsInvalidDocument(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.doJSON(t, http.MethodPost, "/itineraries", "tokA", map[string]any{"destination": "nowhere"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateAndFetchItinerary(t *testing.T) {
	e := newTestEnv(t)
	id := e.createItinerary(t, "tokA")

	resp, body := e.doJSON(t, http.MethodGet, "/itineraries/"+id+"/state", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", resp.StatusCode)
	}
	doc, _ := body["document"].(map[string]any)
	if doc["title"] != "Lisbon long weekend" {
		t.Fatalf("unexpected document: %v", body)
	}

	resp, _ = e.doJSON(t, http.MethodGet, "/itineraries/no-such-id/state", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing itinerary status = %d, want 404", resp.StatusCode)
	}
}

func TestWebsocketEditReachesAllParticipants(t *testing.T) {
	e := newTestEnv(t)
	id := e.createItinerary(t, "tokA")

	alice := e.dialWS(t, id, "tokA")
	init := readUntilType(t, alice, "init")
	if assigned, _ := init["assignedUser"].(map[string]any); assigned["userId"] != "userA" {
		t.Fatalf("unexpected assigned user: %v", init)
	}

	bob := e.dialWS(t, id, "tokB")
	readUntilType(t, bob, "init")
	readUntilType(t, alice, "user-joined")

	edit := map[string]any{
		"type": "edit",
		"action": map[string]any{
			"type":      "activity-add",
			"dayNumber": 1,
			"activity":  map[string]any{"id": "x1", "name": "Dinner at Ramiro"},
		},
	}
	if err := alice.WriteJSON(edit); err != nil {
		t.Fatalf("send edit: %v", err)
	}

	// Applied edits go to every participant, sender included.
	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		frame := readUntilType(t, ws, "edit")
		action, _ := frame["action"].(map[string]any)
		if action["type"] != "activity-add" {
			t.Fatalf("%s got unexpected edit frame: %v", name, frame)
		}
		if user, _ := frame["user"].(map[string]any); user["userId"] != "userA" {
			t.Fatalf("%s: edit not attributed to sender: %v", name, frame)
		}
	}

	_, body := e.doJSON(t, http.MethodGet, "/itineraries/"+id+"/state", "", nil)
	raw, _ := json.Marshal(body)
	if !strings.Contains(string(raw), "Dinner at Ramiro") {
		t.Fatalf("state does not reflect the edit: %s", raw)
	}

	_, body = e.doJSON(t, http.MethodGet, "/itineraries/"+id+"/history", "", nil)
	actions, _ := body["actions"].([]any)
	if len(actions) != 1 {
		t.Fatalf("history has %d actions, want 1", len(actions))
	}
}

func TestStalledPeerDoesNotWedgeSession(t *testing.T) {
	e := newTestEnv(t, WithWriteTimeout(100*time.Millisecond))
	id := e.createItinerary(t, "tokA")

	alice := e.dialWS(t, id, "tokA")
	readUntilType(t, alice, "init")

	// This participant attaches and never reads a single frame, so
	// broadcasts to it back up until the kernel buffers are full.
	e.dialWS(t, id, "tokB")
	readUntilType(t, alice, "user-joined")

	// Drain alice's frames so only the stalled peer exerts backpressure.
	go func() {
		for {
			_ = alice.SetReadDeadline(time.Now().Add(30 * time.Second))
			if _, _, err := alice.ReadMessage(); err != nil {
				return
			}
		}
	}()

	filler := strings.Repeat("x", 64<<10)
	for i := 0; i < 400; i++ {
		if err := alice.WriteJSON(map[string]any{"type": "chat", "text": filler}); err != nil {
			t.Fatalf("send chat %d: %v", i, err)
		}
	}

	// The actor must stay responsive: the stalled peer's write deadline
	// expires, its connection is pruned, and state answers promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.URL+"/itineraries/"+id+"/state", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		resp, err := e.server.Client().Do(req)
		if err != nil {
			t.Fatalf("state while peer stalled: %v", err)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("state status = %d", resp.StatusCode)
		}
		if body["activeConnections"] == float64(1) {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("stalled peer never pruned; state: %v", body)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestWebsocketGuestJoin(t *testing.T) {
	e := newTestEnv(t)
	id := e.createItinerary(t, "tokA")

	guest := e.dialWS(t, id, "")
	init := readUntilType(t, guest, "init")
	assigned, _ := init["assignedUser"].(map[string]any)
	userID, _ := assigned["userId"].(string)
	if !strings.HasPrefix(userID, "guest-") || assigned["displayName"] != "Guest" {
		t.Fatalf("guest identity not synthesized: %v", assigned)
	}
}

func TestNotificationStreamDeliversEvents(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/notifications/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer tokA")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// The subscription races the notify; poll until delivered.
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := e.hub.Notify(ctx, "userA", map[string]string{"kind": "ping"})
		if err != nil {
			t.Fatalf("notify: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before data frame")
			}
			if line == `data: {"kind":"ping"}` {
				return
			}
		case <-timeout:
			t.Fatal("no data frame observed")
		}
	}
}

func TestNotificationStreamRequiresEventStreamAccept(t *testing.T) {
	e := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/notifications/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer tokA")
	req.Header.Set("Accept", "application/json")
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", resp.StatusCode)
	}
}

func TestAssistantTurnAndConversationList(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.doJSON(t, http.MethodPost, "/assistant/sess1/messages", "tokA", map[string]any{"content": "plan my trip"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn status = %d, body %v", resp.StatusCode, body)
	}
	if body["reply"] != "echo: plan my trip" {
		t.Fatalf("reply = %v", body["reply"])
	}
	convID, _ := body["conversationId"].(string)
	if convID == "" {
		t.Fatalf("no conversation id in %v", body)
	}

	// Second turn on the same conversation, tokenless: the stored
	// binding token carries the identity.
	resp, body = e.doJSON(t, http.MethodPost, "/assistant/sess1/messages", "", map[string]any{"conversationId": convID, "content": "more"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tokenless turn status = %d, body %v", resp.StatusCode, body)
	}
	if got := body["messageCount"]; got != float64(4) {
		t.Fatalf("messageCount = %v, want 4", got)
	}

	resp, body = e.doJSON(t, http.MethodGet, "/conversations", "tokA", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list, _ := body["conversations"].([]any)
	if len(list) != 1 {
		t.Fatalf("conversations = %v", body)
	}
	first, _ := list[0].(map[string]any)
	if first["id"] != convID {
		t.Fatalf("listed conversation %v, want %s", first["id"], convID)
	}
}

func TestAssistantTurnValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.doJSON(t, http.MethodPost, "/assistant/sess1/messages", "tokA", map[string]any{"content": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content status = %d, want 400", resp.StatusCode)
	}

	// No token anywhere and no existing conversation owner.
	resp, _ = e.doJSON(t, http.MethodPost, "/assistant/sess2/messages", "", map[string]any{"content": "who goes there"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous turn status = %d, want 401", resp.StatusCode)
	}
}

func TestConversationListRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.doJSON(t, http.MethodGet, "/conversations", "badtok", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
