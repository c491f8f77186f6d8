// Package stream implements the server side of live updates: SSE frame
// encoding and the change stream publisher that turns change signals into
// full-snapshot frames.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Frame type discriminators, carried in every frame's "type" field.
const (
	FrameConnected     = "connected"
	FrameConversations = "conversations"
	FrameMessages      = "messages"
	FrameError         = "error"
)

// ConnectedFrame acknowledges a subscription before any data flows.
type ConnectedFrame struct {
	Type string `json:"type"`
}

// ConversationsFrame carries a full snapshot of the viewer's conversation
// list. Never a diff: each frame replaces the previous one entirely.
type ConversationsFrame struct {
	Type          string             `json:"type"`
	Conversations []ConversationView `json:"conversations"`
}

// MessagesFrame carries a full snapshot of one conversation's messages.
type MessagesFrame struct {
	Type     string        `json:"type"`
	Messages []MessageView `json:"messages"`
}

// ErrorFrame reports an in-band failure without closing the stream.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ParticipantView is a resolved sender or member identity as served to
// clients. Tombstoned identities keep their sentinel email and a fixed label.
type ParticipantView struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// MessageView is a message as served to clients: content decrypted, sender
// resolved.
type MessageView struct {
	ID             uint            `json:"id"`
	ConversationID uint            `json:"conversation_id"`
	Sender         ParticipantView `json:"sender"`
	Content        string          `json:"content"`
	ReadBy         []string        `json:"read_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

// LastMessageView is the decrypted snapshot shown in conversation lists.
type LastMessageView struct {
	Sender  ParticipantView `json:"sender"`
	Content string          `json:"content"`
	SentAt  time.Time       `json:"sent_at"`
}

// ConversationView is a conversation as served to clients.
type ConversationView struct {
	ID           uint              `json:"id"`
	Name         string            `json:"name"`
	IsGroup      bool              `json:"is_group"`
	Participants []ParticipantView `json:"participants"`
	LastMessage  *LastMessageView  `json:"last_message,omitempty"`
	UnreadCount  int               `json:"unread_count"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// WriteFrame serializes a frame as one SSE event. The payload is a single
// data line followed by the blank line that terminates the event.
func WriteFrame(w io.Writer, frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}
