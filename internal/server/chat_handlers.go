// Package server contains HTTP and SSE handlers for the application's API endpoints.
package server

import (
	"errors"
	"fmt"
	"strings"

	"monkeyhouse/internal/models"
	"monkeyhouse/internal/repository"
	"monkeyhouse/internal/stream"
	"monkeyhouse/internal/unread"

	"github.com/gofiber/fiber/v2"
)

const maxMessageLength = 4000

// CreateConversation handles POST /api/conversations.
// Creating a conversation with a participant set that already exists for this
// creator returns the existing conversation instead of a duplicate.
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	viewer := viewerEmail(c)

	var req struct {
		Participants []string `json:"participants"`
		IsGroup      bool     `json:"is_group"`
		Name         string   `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	// The creator is always a member, whether or not the client listed them.
	participants := append([]string{viewer}, req.Participants...)

	// Every participant must be a registered, live account.
	for _, p := range repository.NormalizeParticipants(participants) {
		if p == viewer {
			continue
		}
		user, err := s.userRepo.GetByEmail(c.Context(), p)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		}
		if user == nil {
			return models.RespondWithError(c, fiber.StatusNotFound,
				models.NewValidationError("No account found for "+p))
		}
	}

	conv, created, err := s.chatRepo.FindOrCreateConversation(
		c.Context(), viewer, participants, req.IsGroup, strings.TrimSpace(req.Name))
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == "VALIDATION_ERROR" {
			return models.RespondWithError(c, fiber.StatusBadRequest, appErr)
		}
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	if created {
		s.publishConversationChanges(c, conv)
	}

	resp, err := s.conversationResponse(conv, viewer)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(resp)
}

// GetConversations handles GET /api/conversations
func (s *Server) GetConversations(c *fiber.Ctx) error {
	views, err := s.publisher.ConversationsSnapshot(c.Context(), viewerEmail(c))
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"conversations": views})
}

// GetConversation handles GET /api/conversations/:id
func (s *Server) GetConversation(c *fiber.Ctx) error {
	id, err := s.parseID(c)
	if err != nil {
		return nil
	}
	viewer := viewerEmail(c)
	conv, err := s.requireMembership(c, id, viewer)
	if err != nil {
		return nil
	}

	messages, err := s.publisher.MessagesSnapshot(c.Context(), id)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	resp, err := s.conversationResponse(conv, viewer)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	resp["messages"] = messages
	return c.JSON(resp)
}

// DeleteConversation handles DELETE /api/conversations/:id.
// Deletion is permanent and removes the conversation for every participant.
func (s *Server) DeleteConversation(c *fiber.Ctx) error {
	id, err := s.parseID(c)
	if err != nil {
		return nil
	}
	viewer := viewerEmail(c)
	conv, err := s.requireMembership(c, id, viewer)
	if err != nil {
		return nil
	}

	if delErr := s.chatRepo.DeleteConversation(c.Context(), id); delErr != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(delErr))
	}

	// Message subscribers re-query and receive an empty snapshot; list
	// subscribers re-query and drop the conversation.
	_ = s.bus.PublishMessages(c.Context(), id)
	s.publishConversationChanges(c, conv)

	return c.SendStatus(fiber.StatusNoContent)
}

// SendMessage handles POST /api/conversations/:id/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	id, err := s.parseID(c)
	if err != nil {
		return nil
	}
	viewer := viewerEmail(c)
	conv, err := s.requireMembership(c, id, viewer)
	if err != nil {
		return nil
	}

	var req struct {
		Content string `json:"content"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Message content cannot be empty"))
	}
	if len(content) > maxMessageLength {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Message content is too long"))
	}

	sender, err := s.userRepo.GetByEmail(c.Context(), viewer)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	senderName := ""
	if sender != nil {
		senderName = sender.Name
	}

	sealed, err := s.codec.Encrypt(content)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	msg := &models.Message{
		ConversationID: id,
		SenderEmail:    viewer,
		SenderName:     senderName,
		Content:        sealed,
		ReadBy:         []string{viewer},
	}
	if createErr := s.chatRepo.CreateMessage(c.Context(), msg, sealed); createErr != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(createErr))
	}

	_ = s.bus.PublishMessages(c.Context(), id)
	s.publishConversationChanges(c, conv)

	return c.Status(fiber.StatusCreated).JSON(stream.MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender: stream.ParticipantView{
			Email: msg.SenderEmail,
			Name:  models.DisplayNameFor(msg.SenderEmail, msg.SenderName),
		},
		Content:   content,
		ReadBy:    msg.ReadBy,
		CreatedAt: msg.CreatedAt,
	})
}

// GetMessages handles GET /api/conversations/:id/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	id, err := s.parseID(c)
	if err != nil {
		return nil
	}
	if _, err := s.requireMembership(c, id, viewerEmail(c)); err != nil {
		return nil
	}
	views, err := s.publisher.MessagesSnapshot(c.Context(), id)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"messages": views})
}

// MarkConversationRead handles POST /api/conversations/:id/mark-read.
// Re-marking an already-read conversation is a no-op.
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	id, err := s.parseID(c)
	if err != nil {
		return nil
	}
	viewer := viewerEmail(c)
	conv, err := s.requireMembership(c, id, viewer)
	if err != nil {
		return nil
	}

	updated, err := s.chatRepo.MarkConversationRead(c.Context(), id, viewer)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	if updated > 0 {
		// Read receipts changed message rows and the viewer's unread counts.
		_ = s.bus.PublishMessages(c.Context(), id)
		s.publishConversationChanges(c, conv)
	}

	return c.JSON(fiber.Map{"updated": updated})
}

// HideConversation handles POST /api/conversations/:id/hide.
// Hiding affects only the caller's view; other participants are untouched.
func (s *Server) HideConversation(c *fiber.Ctx) error {
	return s.setConversationHidden(c, true)
}

// UnhideConversation handles POST /api/conversations/:id/unhide
func (s *Server) UnhideConversation(c *fiber.Ctx) error {
	return s.setConversationHidden(c, false)
}

func (s *Server) setConversationHidden(c *fiber.Ctx, hidden bool) error {
	id, err := s.parseID(c)
	if err != nil {
		return nil
	}
	viewer := viewerEmail(c)
	if _, err := s.requireMembership(c, id, viewer); err != nil {
		return nil
	}

	if setErr := s.chatRepo.SetHidden(c.Context(), id, viewer, hidden); setErr != nil {
		if errors.Is(setErr, repository.ErrNotParticipant) {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError("You are not a participant of this conversation"))
		}
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(setErr))
	}

	_ = s.bus.PublishConversations(c.Context(), viewer)

	return c.JSON(fiber.Map{"hidden": hidden})
}

// GetUnreadCounts handles GET /api/messages/unread. The optional "active"
// query parameter names the conversation the client currently has open; its
// count is reported as zero.
func (s *Server) GetUnreadCounts(c *fiber.Ctx) error {
	viewer := viewerEmail(c)
	activeID := c.QueryInt("active", 0)
	if activeID < 0 {
		activeID = 0
	}

	convs, err := s.chatRepo.ListUserConversations(c.Context(), viewer, false)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	perConversation, total := unread.Totals(convs, viewer, uint(activeID))
	return c.JSON(fiber.Map{
		"total":         total,
		"conversations": perConversation,
	})
}

// conversationResponse shapes a stored conversation for API responses, with
// the last message decrypted and participant names resolved lazily by email.
// A last message that cannot be decrypted fails the response.
func (s *Server) conversationResponse(conv *models.Conversation, viewer string) (fiber.Map, error) {
	participants := make([]stream.ParticipantView, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		participants = append(participants, stream.ParticipantView{
			Email: p.UserEmail,
			Name:  models.DisplayNameFor(p.UserEmail, ""),
		})
	}

	var last *stream.LastMessageView
	if snap := conv.LastMessage; snap != nil {
		content, err := s.codec.Open(snap.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypt last message of conversation %d: %w", conv.ID, err)
		}
		last = &stream.LastMessageView{
			Sender: stream.ParticipantView{
				Email: snap.SenderEmail,
				Name:  models.DisplayNameFor(snap.SenderEmail, ""),
			},
			Content: content,
			SentAt:  snap.SentAt,
		}
	}

	return fiber.Map{
		"id":           conv.ID,
		"name":         conv.Name,
		"is_group":     conv.IsGroup,
		"created_by":   conv.CreatedBy,
		"participants": participants,
		"last_message": last,
		"unread_count": unread.Count(conv.Messages, viewer, conv.ID, 0),
		"updated_at":   conv.UpdatedAt,
	}, nil
}
