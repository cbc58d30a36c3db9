package memory

import (
	"testing"

	"github.com/planloop/planloop/store"
	"github.com/planloop/planloop/store/storetest"
)

func TestMemoryBlobStore(t *testing.T) {
	storetest.RunBlobStoreTests(t, func(t *testing.T) store.BlobStore {
		return NewBlobStore()
	})
}

func TestMemoryConversationStore(t *testing.T) {
	storetest.RunConversationStoreTests(t, func(t *testing.T) store.ConversationStore {
		return NewConversationStore()
	})
}
