// Package history implements a bounded FIFO log of inbound gateway
// envelopes with deduplication by message id.
//
// Time complexity: O(1) for Append, Seen, Len.
// Space complexity: O(n) where n is capacity.
//
// Implementation uses a doubly linked list for O(1) FIFO eviction combined
// with an id index map for O(1) duplicate detection. Eviction drops the
// oldest entry first, so the dedup window is exactly the retained history.
package history

import (
	"sync"
	"time"

	"github.com/p-blackswan/chat-engine/internal/protocol"
)

// Entry is one retained inbound envelope.
type Entry struct {
	Envelope   *protocol.Envelope
	ReceivedAt time.Time
}

// node is a doubly linked list node holding one entry.
type node struct {
	entry Entry
	id    string // "" for entries without a message id
	prev  *node
	next  *node
}

// Log is a thread-safe bounded FIFO history.
type Log struct {
	mu       sync.Mutex
	capacity int
	size     int
	byID     map[string]*node
	head     *node // newest (sentinel)
	tail     *node // oldest (sentinel)
}

// New creates a history log with the given capacity.
// Panics if capacity < 1.
func New(capacity int) *Log {
	if capacity < 1 {
		panic("history: capacity must be >= 1")
	}

	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head

	return &Log{
		capacity: capacity,
		byID:     make(map[string]*node, capacity),
		head:     head,
		tail:     tail,
	}
}

// Append records an envelope. Returns false if the envelope carries a
// message id that is already retained (duplicate dropped). Envelopes
// without an id are always appended. O(1).
func (l *Log) Append(env *protocol.Envelope, receivedAt time.Time) bool {
	id := env.MessageID()

	l.mu.Lock()
	defer l.mu.Unlock()

	if id != "" {
		if _, dup := l.byID[id]; dup {
			return false
		}
	}

	if l.size >= l.capacity {
		victim := l.tail.prev
		l.remove(victim)
		if victim.id != "" {
			delete(l.byID, victim.id)
		}
		l.size--
	}

	n := &node{entry: Entry{Envelope: env, ReceivedAt: receivedAt}, id: id}
	l.pushFront(n)
	l.size++
	if id != "" {
		l.byID[id] = n
	}
	return true
}

// Seen reports whether an envelope with the given message id is retained. O(1).
func (l *Log) Seen(id string) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byID[id]
	return ok
}

// Len returns the number of retained entries. O(1).
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Entries returns retained entries oldest first. O(n).
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, l.size)
	for cur := l.tail.prev; cur != l.head; cur = cur.prev {
		out = append(out, cur.entry)
	}
	return out
}

// Latest returns the most recent entry, or false if the log is empty. O(1).
func (l *Log) Latest() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size == 0 {
		return Entry{}, false
	}
	return l.head.next.entry, true
}

// Clear removes all entries. O(n).
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.head.next = l.tail
	l.tail.prev = l.head
	l.size = 0
	l.byID = make(map[string]*node, l.capacity)
}

// --- internal linked list operations (caller must hold lock) ---

func (l *Log) remove(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (l *Log) pushFront(n *node) {
	n.next = l.head.next
	n.prev = l.head
	l.head.next.prev = n
	l.head.next = n
}
