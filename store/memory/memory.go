// Package memory provides in-memory implementations of the store
// contracts for tests and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/planloop/planloop/store"
)

// BlobStore is an in-memory store.BlobStore.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewBlobStore returns an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blobs[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) Close() error { return nil }

// ConversationStore is an in-memory store.ConversationStore.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]store.Conversation
	msgs  map[string][]store.Message // conversationID -> insertion order
}

// NewConversationStore returns an empty in-memory conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		convs: make(map[string]store.Conversation),
		msgs:  make(map[string][]store.Message),
	}
}

func (s *ConversationStore) UpsertConversation(ctx context.Context, conv store.Conversation) error {
	s.mu.Lock()
	s.convs[conv.ID] = conv
	s.mu.Unlock()
	return nil
}

func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := conv
	return &cp, nil
}

func (s *ConversationStore) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *ConversationStore) SetTitle(ctx context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	s.convs[id] = conv
	return nil
}

func (s *ConversationStore) InsertMessage(ctx context.Context, msg store.Message) error {
	s.mu.Lock()
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], msg)
	s.mu.Unlock()
	return nil
}

func (s *ConversationStore) DeleteMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.msgs, conversationID)
	s.mu.Unlock()
	return nil
}

func (s *ConversationStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.msgs[conversationID]
	out := make([]store.Message, len(src))
	copy(out, src)
	// Insertion order already breaks CreatedAt ties; a stable sort
	// keeps it that way.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ConversationStore) Close() error { return nil }
