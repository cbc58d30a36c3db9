package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/planloop/planloop/store"
)

// HTTPResponder forwards the turn history to an external assistant
// service. Wire shape: POST {"messages":[{"role":...,"content":...}]},
// response {"reply":"..."}.
type HTTPResponder struct {
	url    string
	client *http.Client
}

// NewHTTPResponder builds a responder against url. A nil client uses
// http.DefaultClient.
func NewHTTPResponder(url string, client *http.Client) *HTTPResponder {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResponder{url: url, client: client}
}

type responderMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responderRequest struct {
	Messages []responderMessage `json:"messages"`
}

type responderResponse struct {
	Reply string `json:"reply"`
}

func (r *HTTPResponder) Respond(ctx context.Context, history []store.Message) (string, error) {
	req := responderRequest{Messages: make([]responderMessage, 0, len(history))}
	for _, msg := range history {
		req.Messages = append(req.Messages, responderMessage{Role: msg.Role, Content: msg.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call assistant: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assistant returned status %d", resp.StatusCode)
	}

	var decoded responderResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.Reply == "" {
		return "", fmt.Errorf("assistant returned an empty reply")
	}
	return decoded.Reply, nil
}
