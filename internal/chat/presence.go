package chat

import (
	"sort"
	"sync"
	"time"
)

const defaultTypingTTL = 6 * time.Second

// Presence tracks the transient roster of a room: who is typing and the last
// announced online users. Best effort only; entries expire rather than
// reconcile.
type Presence struct {
	ttl time.Duration

	mu     sync.RWMutex
	typing map[string]typingEntry
	online []string
}

type typingEntry struct {
	username string
	expires  time.Time
}

// NewPresence builds a roster. A non-positive ttl falls back to 6 s.
func NewPresence(ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &Presence{ttl: ttl, typing: make(map[string]typingEntry)}
}

// SetTyping records or clears a user's typing state.
func (p *Presence) SetTyping(userID, username string, typing bool) {
	if userID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !typing {
		delete(p.typing, userID)
		return
	}
	p.typing[userID] = typingEntry{username: username, expires: time.Now().Add(p.ttl)}
}

// Typing returns the usernames currently typing, pruning stale entries.
func (p *Presence) Typing() []string {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.typing))
	for id, entry := range p.typing {
		if entry.expires.Before(now) {
			delete(p.typing, id)
			continue
		}
		name := entry.username
		if name == "" {
			name = id
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetOnline replaces the announced online roster.
func (p *Presence) SetOnline(users []string) {
	cp := append([]string(nil), users...)
	sort.Strings(cp)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = cp
}

// Online returns the last announced online users.
func (p *Presence) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.online...)
}

// Clear drops all roster state, for room teardown.
func (p *Presence) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing = make(map[string]typingEntry)
	p.online = nil
}
