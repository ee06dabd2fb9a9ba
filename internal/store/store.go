// internal/store/store.go
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when no document exists at the path.
var ErrNotFound = errors.New("store: document not found")

// UnsubscribeFunc tears down one subscription. Calling it is synchronous:
// no deliveries happen after it returns.
type UnsubscribeFunc func()

// Store is the realtime document store boundary. Documents are JSON values
// addressed by slash-separated paths:
//
//	lobbies/{code}
//	lobbies/{code}/gameState
//	lobbies/{code}/chat/{msgId}
//	battleRoyaleQueue/{uid}
//	monitoring/events/{autoId}
//
// Subscribing to a collection prefix (e.g. "battleRoyaleQueue") delivers a
// JSON object keyed by child path segment whenever any child changes. The
// store delivers per-path updates in write order, but makes no cross-path
// ordering promise; readers must tolerate momentarily inconsistent composite
// snapshots.
type Store interface {
	// Get returns the JSON bytes at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	// Set marshals v to JSON and overwrites the document at path.
	Set(ctx context.Context, path string, v interface{}) error
	// Update merges fields into the JSON object at path. Missing documents
	// are created. Non-object documents are replaced.
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	// Delete removes the document at path. Deleting a missing path is a no-op.
	Delete(ctx context.Context, path string) error
	// SetIfAbsent writes v only if no document exists at path. Returns
	// whether the write happened. This is the conditional primitive backing
	// code claims and slot claims.
	SetIfAbsent(ctx context.Context, path string, v interface{}) (bool, error)
	// Subscribe registers onChange for every future write to path (or, for a
	// collection prefix, to any of its children). onChange receives the
	// current document immediately if one exists. onError receives transport
	// failures; delivery stops after an error until the caller resubscribes.
	Subscribe(ctx context.Context, path string, onChange func(data []byte), onError func(error)) (UnsubscribeFunc, error)
}

// ParentPaths returns every proper ancestor prefix of path, nearest first:
// ParentPaths("a/b/c") = ["a/b", "a"].
func ParentPaths(path string) []string {
	var out []string
	for {
		i := strings.LastIndexByte(path, '/')
		if i < 0 {
			return out
		}
		path = path[:i]
		out = append(out, path)
	}
}

// ChildSegment returns the path segment of child directly under prefix, and
// whether child actually lives under prefix.
func ChildSegment(prefix, child string) (string, bool) {
	if !strings.HasPrefix(child, prefix+"/") {
		return "", false
	}
	rest := child[len(prefix)+1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}
