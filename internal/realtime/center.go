package realtime

import (
	"context"
	"log/slog"
	"sync"

	"monkeyhouse/internal/middleware"
	"monkeyhouse/internal/stream"
)

// Snapshot is an immutable view of notification state handed to observers.
type Snapshot struct {
	Total              int
	PerConversation    map[uint]int
	ActiveConversation uint
}

// MarkReadFunc persists read receipts for one conversation. The Center calls
// it fire-and-forget; failures are logged and local state is never rolled
// back, the next snapshot frame reconciles.
type MarkReadFunc func(ctx context.Context, conversationID uint) error

// Center tracks unread counts and the active conversation for one signed-in
// viewer. Observers register callbacks and receive a fresh snapshot on every
// change. All methods are safe for concurrent use.
type Center struct {
	markRead MarkReadFunc

	mu        sync.Mutex
	active    uint
	counts    map[uint]int
	listeners map[int]func(Snapshot)
	nextID    int
}

// NewCenter creates an empty notification center.
func NewCenter(markRead MarkReadFunc) *Center {
	return &Center{
		markRead:  markRead,
		counts:    make(map[uint]int),
		listeners: make(map[int]func(Snapshot)),
	}
}

// Subscribe registers an observer and immediately delivers the current
// snapshot. The returned function unsubscribes; calling it twice is safe.
func (c *Center) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	snap := c.snapshotLocked()
	c.mu.Unlock()

	fn(snap)

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Snapshot returns the current notification state.
func (c *Center) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetActiveConversation marks a conversation as open in the UI. Its unread
// count drops to zero immediately; receipts catch up asynchronously.
func (c *Center) SetActiveConversation(id uint) {
	c.mu.Lock()
	c.active = id
	if id != 0 {
		c.counts[id] = 0
	}
	c.notifyLocked()
	c.mu.Unlock()
}

// ClearActiveConversation marks no conversation as open.
func (c *Center) ClearActiveConversation() {
	c.SetActiveConversation(0)
}

// ActiveConversation returns the currently open conversation, zero if none.
func (c *Center) ActiveConversation() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MarkConversationAsRead zeroes the local count optimistically and persists
// receipts in the background.
func (c *Center) MarkConversationAsRead(ctx context.Context, id uint) {
	c.mu.Lock()
	c.counts[id] = 0
	c.notifyLocked()
	c.mu.Unlock()

	if c.markRead == nil {
		return
	}
	go func() {
		if err := c.markRead(ctx, id); err != nil {
			middleware.Logger.Warn("mark-read failed, local state kept",
				slog.Uint64("conversation_id", uint64(id)),
				slog.String("error", err.Error()))
		}
	}()
}

// ApplyConversations recomputes unread state from a conversations snapshot
// frame. Counts for conversations no longer in the snapshot are dropped; the
// active conversation is suppressed to zero regardless of what the server
// counted.
func (c *Center) ApplyConversations(views []stream.ConversationView) {
	c.mu.Lock()
	counts := make(map[uint]int, len(views))
	for _, v := range views {
		if v.ID == c.active {
			counts[v.ID] = 0
			continue
		}
		counts[v.ID] = v.UnreadCount
	}
	c.counts = counts
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Center) snapshotLocked() Snapshot {
	per := make(map[uint]int, len(c.counts))
	total := 0
	for id, n := range c.counts {
		per[id] = n
		total += n
	}
	return Snapshot{Total: total, PerConversation: per, ActiveConversation: c.active}
}

func (c *Center) notifyLocked() {
	snap := c.snapshotLocked()
	for _, fn := range c.listeners {
		fn(snap)
	}
}
