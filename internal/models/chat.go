package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation represents a chat conversation (1-on-1 or group). Creator and
// participants are recorded by email so tombstoning a deleted account is a
// plain string rewrite.
type Conversation struct {
	ID           uint                      `gorm:"primaryKey" json:"id"`
	Name         string                    `gorm:"size:120" json:"name"` // required for groups
	IsGroup      bool                      `gorm:"default:false" json:"is_group"`
	CreatedBy    string                    `gorm:"size:255;not null;index" json:"created_by"`
	LastMessage  *LastMessageSnapshot      `gorm:"serializer:json" json:"last_message,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	DeletedAt    gorm.DeletedAt            `gorm:"index" json:"-"`
	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
	Messages     []Message                 `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
	UnreadCount  int                       `gorm:"-" json:"unread_count"`
}

// TableName specifies the table name for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// ParticipantEmails returns the member identities of the conversation.
func (c *Conversation) ParticipantEmails() []string {
	emails := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		emails = append(emails, p.UserEmail)
	}
	return emails
}

// LastMessageSnapshot is a denormalized copy of the newest message, kept on
// the conversation row so list views never have to join into messages.
// Content is stored exactly like the message row's content, so it may be an
// encryption envelope and must be opened by the codec before serving.
type LastMessageSnapshot struct {
	MessageID   uint      `json:"message_id"`
	SenderEmail string    `json:"sender_email"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
}

// ConversationParticipant is one membership row. Hidden marks a conversation
// the member archived from their own inbox; it stays visible to everyone else.
type ConversationParticipant struct {
	ConversationID uint      `gorm:"primaryKey" json:"conversation_id"`
	UserEmail      string    `gorm:"primaryKey;size:255" json:"user_email"`
	Hidden         bool      `gorm:"default:false" json:"hidden"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// TableName specifies the table name for GORM.
func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}

// Message represents a chat message. Content holds the encryption envelope
// at rest and is replaced with plaintext before a message leaves the API.
// ReadBy lists the identities that have opened the conversation since this
// message arrived; the sender is included at creation time.
type Message struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ConversationID uint           `gorm:"not null;index" json:"conversation_id"`
	SenderEmail    string         `gorm:"size:255;not null;index" json:"sender_email"`
	SenderName     string         `gorm:"size:120" json:"sender_name"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	ReadBy         []string       `gorm:"serializer:json" json:"read_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for GORM.
func (Message) TableName() string {
	return "messages"
}

// ReadByContains reports whether identity appears in the read receipts.
func (m *Message) ReadByContains(identity string) bool {
	for _, r := range m.ReadBy {
		if r == identity {
			return true
		}
	}
	return false
}
