// internal/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is the in-process Store used by tests and by the gateway's
// single-node mode. Writes notify exact-path subscribers with the new
// document and every ancestor-prefix subscriber with the assembled
// collection object.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
	subs map[string]map[int]*memorySub
	next int
}

type memorySub struct {
	path     string
	onChange func(data []byte)
	onError  func(error)
}

// NewMemoryStore returns an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]byte),
		subs: make(map[string]map[int]*memorySub),
	}
}

func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.docs[path]; ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	// Collection read: assemble children if any exist.
	if obj, ok := m.collectChildrenLocked(path); ok {
		return obj, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Set(ctx context.Context, path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	m.mu.Lock()
	m.docs[path] = data
	notify := m.collectNotificationsLocked(path, data)
	m.mu.Unlock()
	for _, n := range notify {
		n()
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	m.mu.Lock()
	merged := map[string]interface{}{}
	if existing, ok := m.docs[path]; ok {
		// Non-object documents are replaced wholesale.
		_ = json.Unmarshal(existing, &merged)
	}
	for k, v := range fields {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	m.docs[path] = data
	notify := m.collectNotificationsLocked(path, data)
	m.mu.Unlock()
	for _, n := range notify {
		n()
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	_, existed := m.docs[path]
	delete(m.docs, path)
	var notify []func()
	if existed {
		notify = m.collectNotificationsLocked(path, nil)
	}
	m.mu.Unlock()
	for _, n := range notify {
		n()
	}
	return nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, path string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", path, err)
	}
	m.mu.Lock()
	if _, exists := m.docs[path]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.docs[path] = data
	notify := m.collectNotificationsLocked(path, data)
	m.mu.Unlock()
	for _, n := range notify {
		n()
	}
	return true, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, onChange func(data []byte), onError func(error)) (UnsubscribeFunc, error) {
	sub := &memorySub{path: path, onChange: onChange, onError: onError}
	m.mu.Lock()
	id := m.next
	m.next++
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]*memorySub)
	}
	m.subs[path][id] = sub

	// Initial delivery of the current document, if present.
	var initial []byte
	if data, ok := m.docs[path]; ok {
		initial = make([]byte, len(data))
		copy(initial, data)
	} else if obj, ok := m.collectChildrenLocked(path); ok {
		initial = obj
	}
	m.mu.Unlock()

	if initial != nil {
		onChange(initial)
	}

	unsub := func() {
		m.mu.Lock()
		if set, ok := m.subs[path]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.subs, path)
			}
		}
		m.mu.Unlock()
	}
	return unsub, nil
}

// collectChildrenLocked assembles a JSON object from direct children of
// prefix, keyed by first path segment. Caller holds the lock.
func (m *MemoryStore) collectChildrenLocked(prefix string) ([]byte, bool) {
	children := map[string]json.RawMessage{}
	for p, data := range m.docs {
		if seg, ok := ChildSegment(prefix, p); ok {
			// Only direct children become entries; deeper paths collapse
			// onto their first segment, last write wins.
			if p == prefix+"/"+seg {
				children[seg] = json.RawMessage(data)
			}
		}
	}
	if len(children) == 0 {
		return nil, false
	}
	out, err := json.Marshal(children)
	if err != nil {
		return nil, false
	}
	return out, true
}

// collectNotificationsLocked builds the callback list for a write at path.
// Callbacks run after the lock is released so a subscriber may re-enter the
// store.
func (m *MemoryStore) collectNotificationsLocked(path string, data []byte) []func() {
	var out []func()
	for _, sub := range m.subs[path] {
		cb := sub.onChange
		payload := data
		out = append(out, func() { cb(payload) })
	}
	for _, parent := range ParentPaths(path) {
		if len(m.subs[parent]) == 0 {
			continue
		}
		obj, ok := m.collectChildrenLocked(parent)
		if !ok {
			obj = []byte("{}")
		}
		for _, sub := range m.subs[parent] {
			cb := sub.onChange
			payload := obj
			out = append(out, func() { cb(payload) })
		}
	}
	return out
}

// FailSubscribers delivers err to every subscriber whose path starts with
// prefix. Tests use this to simulate transport failures.
func (m *MemoryStore) FailSubscribers(prefix string, err error) {
	m.mu.Lock()
	var cbs []func(error)
	for path, set := range m.subs {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix) {
			for _, sub := range set {
				if sub.onError != nil {
					cbs = append(cbs, sub.onError)
				}
			}
		}
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}
