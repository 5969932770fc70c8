package chat

import (
	"sort"
	"sync"
)

// Log holds the messages of one room, keyed by message identity. The view is
// sorted ascending by CreatedAt; ties keep insertion order.
type Log struct {
	mu      sync.RWMutex
	entries map[string]*logEntry
	nextSeq int
}

type logEntry struct {
	msg Message
	seq int
}

// NewLog builds an empty message log.
func NewLog() *Log {
	return &Log{entries: make(map[string]*logEntry)}
}

// Reset replaces the whole log with an authoritative snapshot.
func (l *Log) Reset(msgs []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[string]*logEntry, len(msgs))
	l.nextSeq = 0
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if _, ok := l.entries[msg.ID]; ok {
			continue
		}
		l.entries[msg.ID] = &logEntry{msg: cloneMessage(msg), seq: l.nextSeq}
		l.nextSeq++
	}
}

// Upsert inserts or updates a message. On an identity hit the incoming fields
// win but reactions and readers are merged, and the original insertion slot is
// kept. Returns true when the message was new.
func (l *Log) Upsert(msg Message) bool {
	if msg.ID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.entries[msg.ID]
	if !ok {
		l.entries[msg.ID] = &logEntry{msg: cloneMessage(msg), seq: l.nextSeq}
		l.nextSeq++
		return true
	}

	merged := cloneMessage(msg)
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.msg.CreatedAt
	}
	for emoji, users := range existing.msg.Reactions {
		if merged.Reactions == nil {
			merged.Reactions = make(map[string]map[string]struct{})
		}
		set, ok := merged.Reactions[emoji]
		if !ok {
			set = make(map[string]struct{}, len(users))
			merged.Reactions[emoji] = set
		}
		for id := range users {
			set[id] = struct{}{}
		}
	}
	for id := range existing.msg.ReadBy {
		if merged.ReadBy == nil {
			merged.ReadBy = make(map[string]struct{})
		}
		merged.ReadBy[id] = struct{}{}
	}
	existing.msg = merged
	return false
}

// AddReaction records a user's reaction on a message. Unknown messages are
// ignored.
func (l *Log) AddReaction(messageID, emoji, userID string) bool {
	if messageID == "" || emoji == "" || userID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[messageID]
	if !ok {
		return false
	}
	if entry.msg.Reactions == nil {
		entry.msg.Reactions = make(map[string]map[string]struct{})
	}
	set, ok := entry.msg.Reactions[emoji]
	if !ok {
		set = make(map[string]struct{})
		entry.msg.Reactions[emoji] = set
	}
	set[userID] = struct{}{}
	return true
}

// AddReader records a read receipt on a message. Unknown messages are ignored.
func (l *Log) AddReader(messageID, userID string) bool {
	if messageID == "" || userID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[messageID]
	if !ok {
		return false
	}
	if entry.msg.ReadBy == nil {
		entry.msg.ReadBy = make(map[string]struct{})
	}
	entry.msg.ReadBy[userID] = struct{}{}
	return true
}

// View returns the sorted message list. Callers get clones.
func (l *Log) View() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]*logEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneMessage(e.msg))
	}
	return out
}

// Len reports the number of distinct messages held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
