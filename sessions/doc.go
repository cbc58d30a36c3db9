// Package sessions implements the keyed session-actor abstraction: a
// registry of single-threaded, key-addressed actors. Every operation
// for a key is executed one at a time on that key's own goroutine, so
// actor state needs no locking. Actors hydrate their durable state
// before their first operation and may be evicted and transparently
// re-created; callers only observe eviction as a state reload.
package sessions
