// Package seed populates a development database with fake accounts and
// conversation history.
package seed

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"monkeyhouse/internal/models"
	"monkeyhouse/internal/repository"
	"monkeyhouse/internal/security"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultPassword is the login password of every seeded account.
const DefaultPassword = "password123"

// Seeder writes fake users, conversations and sealed messages.
type Seeder struct {
	db    *gorm.DB
	codec *security.Codec
	users repository.UserRepository
	chats repository.ChatRepository
}

func NewSeeder(db *gorm.DB, codec *security.Codec) *Seeder {
	gofakeit.Seed(time.Now().UnixNano())
	return &Seeder{
		db:    db,
		codec: codec,
		users: repository.NewUserRepository(db),
		chats: repository.NewChatRepository(db),
	}
}

// ClearAll removes all seedable data. Order matters for foreign keys.
func (s *Seeder) ClearAll() error {
	for _, model := range []any{
		&models.Message{}, &models.ConversationParticipant{},
		&models.Conversation{}, &models.User{},
	} {
		if err := s.db.Unscoped().Where("1 = 1").Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// Run creates numUsers accounts, pairs them into direct conversations and
// fills each with message history. Every message is stored sealed, the same
// way the API writes them.
func (s *Seeder) Run(ctx context.Context, numUsers, conversationsPerUser, messagesPerConversation int) error {
	if numUsers < 2 {
		return fmt.Errorf("need at least 2 users, got %d", numUsers)
	}

	// One hash shared by all accounts keeps seeding fast.
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.MinCost)
	if err != nil {
		return err
	}

	users := make([]*models.User, 0, numUsers)
	for i := 0; i < numUsers; i++ {
		user := &models.User{
			Name:     gofakeit.Name(),
			Email:    fmt.Sprintf("%s%d@example.com", strings.ToLower(gofakeit.Username()), i),
			Image:    gofakeit.ImageURL(320, 320),
			Password: string(hash),
		}
		if err := s.users.Create(ctx, user); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		users = append(users, user)
	}

	for i, user := range users {
		for c := 0; c < conversationsPerUser; c++ {
			other := users[rand.Intn(len(users))]
			if other.Email == user.Email {
				other = users[(i+1)%len(users)]
			}
			conv, _, err := s.chats.FindOrCreateConversation(
				ctx, user.Email, []string{other.Email}, false, "")
			if err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			if err := s.fillConversation(ctx, conv, user, other, messagesPerConversation); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Seeder) fillConversation(ctx context.Context, conv *models.Conversation, a, b *models.User, count int) error {
	for m := 0; m < count; m++ {
		sender := a
		if m%2 == 1 {
			sender = b
		}
		sealed, err := s.codec.Encrypt(gofakeit.Sentence(8))
		if err != nil {
			return err
		}
		readBy := []string{sender.Email}
		msg := &models.Message{
			ConversationID: conv.ID,
			SenderEmail:    sender.Email,
			SenderName:     sender.Name,
			Content:        sealed,
			ReadBy:         readBy,
		}
		if err := s.chats.CreateMessage(ctx, msg, sealed); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
	}
	// Roughly half the conversations end fully read, so unread counts vary.
	if rand.Intn(2) == 0 {
		for _, reader := range []*models.User{a, b} {
			if _, err := s.chats.MarkConversationRead(ctx, conv.ID, reader.Email); err != nil {
				return err
			}
		}
	}
	return nil
}
