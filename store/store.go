// Package store defines the durable-store contracts consumed by the
// session actors: an opaque blob store keyed by actor key, and a
// relational conversation store holding conversation headers plus an
// ordered message log.
//
// Implementations must provide read-your-own-write semantics to a
// single caller. Cross-key coordination is the store's concern, not the
// actors': each actor only ever touches rows and blobs addressed by its
// own key.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the addressed blob or row does not exist.
var ErrNotFound = errors.New("store: not found")

// BlobStore is opaque key/blob storage. Put replaces the whole value;
// there is no partial or incremental representation.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error

	// Close releases the backend and its resources.
	Close() error
}

// Conversation is the durable header record for one logical
// conversation.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one durable message row. Content carries the serialized
// turn; the store does not interpret it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationStore is the relational half of the durable store:
// conversation headers plus an ordered message log.
type ConversationStore interface {
	// UpsertConversation inserts the header if absent or replaces it.
	UpsertConversation(ctx context.Context, conv Conversation) error

	// GetConversation returns ErrNotFound for an unknown id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns all conversations owned by userID,
	// most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	// SetTitle updates the header title and bumps UpdatedAt. Returns
	// ErrNotFound for an unknown id.
	SetTitle(ctx context.Context, id string, title string) error

	// InsertMessage appends one message row.
	InsertMessage(ctx context.Context, msg Message) error

	// DeleteMessages removes every message row for the conversation.
	DeleteMessages(ctx context.Context, conversationID string) error

	// ListMessages returns the conversation's messages ordered by
	// CreatedAt ascending (insertion order breaks ties).
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	Close() error
}
