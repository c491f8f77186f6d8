// Package server contains HTTP and SSE handlers for the application's API endpoints.
package server

import (
	"monkeyhouse/internal/models"

	"github.com/gofiber/fiber/v2"
)

// DeleteMyAccount handles DELETE /api/users/me. The account row is removed
// and every trace of the identity in conversation data is rewritten to a
// tombstone sentinel; message content itself is left intact so conversations
// keep their history.
func (s *Server) DeleteMyAccount(c *fiber.Ctx) error {
	viewer := viewerEmail(c)

	// Collect the conversations affected before the identity disappears, so
	// the remaining participants can be signalled afterwards.
	convs, err := s.chatRepo.ListUserConversations(c.Context(), viewer, true)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	if delErr := s.userRepo.DeleteAccount(c.Context(), viewer); delErr != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(delErr))
	}

	for i := range convs {
		conv := &convs[i]
		_ = s.bus.PublishMessages(c.Context(), conv.ID)
		s.publishConversationChanges(c, conv)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
