package events

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"custodia/core/types"
)

// payloadProvider is implemented by emitted events that carry a full typed
// payload alongside their type tag.
type payloadProvider interface {
	Event() *types.Event
}

// Entry is a captured event together with its assigned sequence number and
// correlation identifier.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Buffer retains the most recent events in memory so the RPC layer can serve
// an event feed to off-service indexers. Older entries are evicted once the
// configured capacity is exceeded.
type Buffer struct {
	mu      sync.RWMutex
	max     int
	seq     uint64
	entries []Entry
}

const defaultBufferCapacity = 1024

// NewBuffer constructs an event buffer retaining up to max entries. A
// non-positive max falls back to the default capacity.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = defaultBufferCapacity
	}
	return &Buffer{max: max}
}

// Emit implements the Emitter interface, capturing the event payload when the
// emitted value provides one.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	entry := Entry{Type: evt.EventType(), ID: uuid.NewString()}
	if provider, ok := evt.(payloadProvider); ok {
		if payload := provider.Event(); payload != nil {
			entry.Type = payload.Type
			if len(payload.Attributes) > 0 {
				attrs := make(map[string]string, len(payload.Attributes))
				for k, v := range payload.Attributes {
					attrs[k] = v
				}
				entry.Attributes = attrs
			}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	entry.Sequence = b.seq
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.max {
		b.entries = append([]Entry(nil), b.entries[len(b.entries)-b.max:]...)
	}
}

// List returns up to limit captured entries whose type matches the supplied
// prefix, newest last. An empty prefix matches every entry; a non-positive
// limit returns all matches.
func (b *Buffer) List(prefix string, limit int) []Entry {
	if b == nil {
		return nil
	}
	trimmed := strings.TrimSpace(prefix)
	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := make([]Entry, 0, len(b.entries))
	for _, entry := range b.entries {
		if trimmed != "" && !strings.HasPrefix(entry.Type, trimmed) {
			continue
		}
		matched = append(matched, entry)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
