// Package repository contains data access interfaces and their GORM
// implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"monkeyhouse/internal/models"

	"gorm.io/gorm"
)

// UserRepository defines the interface for user data operations
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByEmails(ctx context.Context, emails []string) ([]models.User, error)
	DeleteAccount(ctx context.Context, email string) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	user.Email = models.NormalizeEmail(user.Email)
	return r.db.WithContext(ctx).Create(user).Error
}

// GetByEmail returns (nil, nil) when no user exists, so callers can
// distinguish absence from storage failure. Tombstoned identities are never
// looked up.
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if models.IsTombstone(email) {
		return nil, nil
	}
	var user models.User
	err := r.db.WithContext(ctx).Where("email = ?", models.NormalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByEmails(ctx context.Context, emails []string) ([]models.User, error) {
	lookup := make([]string, 0, len(emails))
	for _, e := range emails {
		if !models.IsTombstone(e) {
			lookup = append(lookup, models.NormalizeEmail(e))
		}
	}
	if len(lookup) == 0 {
		return nil, nil
	}
	var users []models.User
	err := r.db.WithContext(ctx).Where("email IN ?", lookup).Find(&users).Error
	return users, err
}

// DeleteAccount removes a user and tombstones every trace of their identity
// in chat data: sent messages, read receipts, membership rows, snapshots and
// conversation ownership all get the deleted-sender sentinel in place of the
// email. Message content is left intact so conversations keep their history.
func (r *userRepository) DeleteAccount(ctx context.Context, email string) error {
	email = models.NormalizeEmail(email)
	tombstone := models.Tombstone(email)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("sender_email = ?", email).
			Updates(map[string]any{
				"sender_email": tombstone,
				"sender_name":  models.DeletedUserLabel,
			}).Error; err != nil {
			return fmt.Errorf("tombstone sent messages: %w", err)
		}

		// Read receipts are a JSON column, rewritten row by row.
		var msgs []models.Message
		if err := tx.Where("read_by LIKE ?", "%"+email+"%").Find(&msgs).Error; err != nil {
			return fmt.Errorf("load receipts: %w", err)
		}
		for i := range msgs {
			changed := false
			for j, reader := range msgs[i].ReadBy {
				if reader == email {
					msgs[i].ReadBy[j] = tombstone
					changed = true
				}
			}
			if !changed {
				continue
			}
			if err := tx.Model(&models.Message{}).
				Where("id = ?", msgs[i].ID).
				Update("read_by", msgs[i].ReadBy).Error; err != nil {
				return fmt.Errorf("tombstone receipts: %w", err)
			}
		}

		if err := tx.Model(&models.ConversationParticipant{}).
			Where("user_email = ?", email).
			Update("user_email", tombstone).Error; err != nil {
			return fmt.Errorf("tombstone memberships: %w", err)
		}

		if err := tx.Model(&models.Conversation{}).
			Where("created_by = ?", email).
			Update("created_by", tombstone).Error; err != nil {
			return fmt.Errorf("tombstone ownership: %w", err)
		}

		var convs []models.Conversation
		if err := tx.Where("last_message LIKE ?", "%"+email+"%").Find(&convs).Error; err != nil {
			return fmt.Errorf("load snapshots: %w", err)
		}
		for i := range convs {
			snap := convs[i].LastMessage
			if snap == nil || snap.SenderEmail != email {
				continue
			}
			snap.SenderEmail = tombstone
			if err := tx.Model(&models.Conversation{}).
				Where("id = ?", convs[i].ID).
				Update("last_message", snap).Error; err != nil {
				return fmt.Errorf("tombstone snapshots: %w", err)
			}
		}

		if err := tx.Where("email = ?", email).Delete(&models.User{}).Error; err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
}
