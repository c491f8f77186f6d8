// Package server contains HTTP and SSE handlers for the application's API endpoints.
package server

import (
	"errors"

	"monkeyhouse/internal/models"
	"monkeyhouse/internal/repository"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper.  Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// viewerEmail returns the authenticated identity placed in locals by
// AuthRequired.
func viewerEmail(c *fiber.Ctx) string {
	email, _ := c.Locals("userEmail").(string)
	return email
}

// parseID extracts the :id route parameter as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
// Callers should check: if err != nil { return nil }
func (s *Server) parseID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid ID"))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// requireMembership loads a conversation and verifies the viewer belongs to
// it, writing the appropriate error response on failure.
func (s *Server) requireMembership(c *fiber.Ctx, convID uint, viewer string) (*models.Conversation, error) {
	conv, err := s.chatRepo.GetConversationForUser(c.Context(), convID, viewer)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == "NOT_FOUND" {
			_ = models.RespondWithError(c, fiber.StatusNotFound, appErr)
			return nil, errResponseWritten
		}
		if errors.Is(err, repository.ErrNotParticipant) {
			_ = models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError("You are not a participant of this conversation"))
			return nil, errResponseWritten
		}
		_ = models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
		return nil, errResponseWritten
	}
	return conv, nil
}

// publishConversationChanges signals every live (non-tombstoned) participant
// that their conversation list changed.
func (s *Server) publishConversationChanges(c *fiber.Ctx, conv *models.Conversation) {
	emails := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		if models.IsTombstone(p.UserEmail) {
			continue
		}
		emails = append(emails, p.UserEmail)
	}
	_ = s.bus.PublishConversations(c.Context(), emails...)
}
