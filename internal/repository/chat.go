package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"monkeyhouse/internal/models"
	"monkeyhouse/internal/security"

	"gorm.io/gorm"
)

// ErrNotParticipant is returned when a user acts on a conversation they are
// not a member of.
var ErrNotParticipant = errors.New("user is not a participant of this conversation")

// ChatRepository defines the interface for conversation and message data
// operations.
type ChatRepository interface {
	// FindOrCreateConversation returns an existing conversation with the same
	// participant set created by the same user, or creates a new one. The
	// second return value reports whether a row was created.
	FindOrCreateConversation(ctx context.Context, creator string, participants []string, isGroup bool, name string) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id uint) (*models.Conversation, bool, error)
	GetConversationForUser(ctx context.Context, id uint, email string) (*models.Conversation, error)
	ListUserConversations(ctx context.Context, email string, includeHidden bool) ([]models.Conversation, error)
	SetHidden(ctx context.Context, convID uint, email string, hidden bool) error
	CreateMessage(ctx context.Context, msg *models.Message, snapshotContent string) error
	GetMessages(ctx context.Context, convID uint) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, convID uint, viewer string) (int, error)
	DeleteConversation(ctx context.Context, convID uint) error
	EncryptLegacyMessages(ctx context.Context, codec *security.Codec) (int, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// NormalizeParticipants canonicalizes and dedupes a participant list. Order
// of first appearance is not preserved; the result is sorted so set equality
// is a plain slice comparison.
func NormalizeParticipants(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		n := models.NormalizeEmail(e)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *chatRepository) FindOrCreateConversation(ctx context.Context, creator string, participants []string, isGroup bool, name string) (*models.Conversation, bool, error) {
	creator = models.NormalizeEmail(creator)
	members := NormalizeParticipants(append(participants, creator))

	if len(members) < 2 {
		return nil, false, models.NewValidationError("A conversation needs at least two distinct participants")
	}
	if isGroup && name == "" {
		return nil, false, models.NewValidationError("Group conversations require a name")
	}
	if !isGroup && len(members) > 2 {
		return nil, false, models.NewValidationError("Direct conversations have exactly two participants")
	}
	if !isGroup {
		// Direct conversations are titled at render time from the other
		// participant; a stored name would go stale on account changes.
		name = ""
	}

	// Dedup scans only conversations this creator started; two users who
	// each start a chat with the other still converge because the
	// participant set is compared as a normalized set.
	existing, err := r.ListUserConversations(ctx, creator, true)
	if err != nil {
		return nil, false, err
	}
	for i := range existing {
		if existing[i].IsGroup != isGroup {
			continue
		}
		if sameParticipants(NormalizeParticipants(existing[i].ParticipantEmails()), members) {
			return &existing[i], false, nil
		}
	}

	conv := &models.Conversation{
		Name:      name,
		IsGroup:   isGroup,
		CreatedBy: creator,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		for _, m := range members {
			p := models.ConversationParticipant{ConversationID: conv.ID, UserEmail: m}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	full, _, err := r.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	return full, true, nil
}

// GetConversation loads a conversation with its participants. The bool
// reports whether it exists.
func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, bool, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &conv, true, nil
}

func (r *chatRepository) GetConversationForUser(ctx context.Context, id uint, email string) (*models.Conversation, error) {
	conv, found, err := r.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.NewNotFoundError("Conversation", id)
	}
	email = models.NormalizeEmail(email)
	for _, p := range conv.Participants {
		if p.UserEmail == email {
			return conv, nil
		}
	}
	return nil, ErrNotParticipant
}

func (r *chatRepository) ListUserConversations(ctx context.Context, email string, includeHidden bool) ([]models.Conversation, error) {
	email = models.NormalizeEmail(email)
	q := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON conversations.id = cp.conversation_id").
		Where("cp.user_email = ?", email)
	if !includeHidden {
		q = q.Where("cp.hidden = ?", false)
	}
	var conversations []models.Conversation
	err := q.
		Preload("Participants").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Order("conversations.updated_at DESC").
		Find(&conversations).Error
	return conversations, err
}

func (r *chatRepository) SetHidden(ctx context.Context, convID uint, email string, hidden bool) error {
	email = models.NormalizeEmail(email)
	res := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_email = ?", convID, email).
		Update("hidden", hidden)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotParticipant
	}
	// Hide/unhide reorders the viewer's list, so the conversation surfaces
	// again at its current position.
	return r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", convID).
		Update("updated_at", time.Now()).Error
}

// CreateMessage persists the message and refreshes the conversation's
// denormalized snapshot in one transaction. snapshotContent is stored as-is;
// callers pass the same (possibly encrypted) content as the message row.
func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message, snapshotContent string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		snap := &models.LastMessageSnapshot{
			MessageID:   msg.ID,
			SenderEmail: msg.SenderEmail,
			Content:     snapshotContent,
			SentAt:      msg.CreatedAt,
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]any{
				"last_message": snap,
				"updated_at":   msg.CreatedAt,
			}).Error
	})
}

func (r *chatRepository) GetMessages(ctx context.Context, convID uint) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at ASC").
		Find(&messages).Error
	return messages, err
}

// MarkConversationRead appends the viewer to the receipts of every message
// in the conversation they have not read yet and returns how many rows
// changed. Receipts only grow; there is no unmark.
func (r *chatRepository) MarkConversationRead(ctx context.Context, convID uint, viewer string) (int, error) {
	viewer = models.NormalizeEmail(viewer)
	msgs, err := r.GetMessages(ctx, convID)
	if err != nil {
		return 0, err
	}
	updated := 0
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range msgs {
			m := &msgs[i]
			if m.SenderEmail == viewer || m.ReadByContains(viewer) {
				continue
			}
			readBy := append(m.ReadBy, viewer)
			if err := tx.Model(&models.Message{}).
				Where("id = ?", m.ID).
				Update("read_by", readBy).Error; err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// DeleteConversation removes a conversation along with its messages and
// participant rows. Deletion is permanent for every participant.
func (r *chatRepository) DeleteConversation(ctx context.Context, convID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("conversation_id = ?", convID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", convID).Delete(&models.ConversationParticipant{}).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Delete(&models.Conversation{}, convID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("conversation", convID)
		}
		return nil
	})
}

// EncryptLegacyMessages rewrites plaintext message rows and snapshots into
// encryption envelopes. Rows already in envelope form are skipped, so the
// migration can run repeatedly. Returns the number of rows rewritten.
func (r *chatRepository) EncryptLegacyMessages(ctx context.Context, codec *security.Codec) (int, error) {
	var msgs []models.Message
	if err := r.db.WithContext(ctx).Find(&msgs).Error; err != nil {
		return 0, err
	}
	rewritten := 0
	for i := range msgs {
		m := &msgs[i]
		if security.IsEnvelope(m.Content) {
			continue
		}
		enc, err := codec.Encrypt(m.Content)
		if err != nil {
			return rewritten, err
		}
		if err := r.db.WithContext(ctx).Model(&models.Message{}).
			Where("id = ?", m.ID).
			Update("content", enc).Error; err != nil {
			return rewritten, err
		}
		rewritten++
	}

	var convs []models.Conversation
	if err := r.db.WithContext(ctx).Where("last_message IS NOT NULL").Find(&convs).Error; err != nil {
		return rewritten, err
	}
	for i := range convs {
		snap := convs[i].LastMessage
		if snap == nil || snap.Content == "" || security.IsEnvelope(snap.Content) {
			continue
		}
		enc, err := codec.Encrypt(snap.Content)
		if err != nil {
			return rewritten, err
		}
		snap.Content = enc
		if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("id = ?", convs[i].ID).
			Update("last_message", snap).Error; err != nil {
			return rewritten, err
		}
		rewritten++
	}
	return rewritten, nil
}
