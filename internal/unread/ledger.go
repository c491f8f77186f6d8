// Package unread derives unread message counts from read receipts.
//
// Counts are computed, never stored: a message is unread for a viewer when
// someone else sent it and the viewer does not appear in its read receipts.
// The package holds no state and touches no storage, which keeps the counting
// rules testable in isolation.
package unread

import (
	"monkeyhouse/internal/models"
)

// Count returns the number of messages in one conversation that the viewer
// has not read.
//
// The conversation the viewer currently has open is suppressed to zero
// unconditionally, even if receipts have not caught up yet; the open chat
// view is the authoritative "you have seen this" signal. Messages the viewer
// sent never count, and neither do messages from tombstoned accounts. A
// message with no receipts at all counts as unread.
func Count(msgs []models.Message, viewer string, conversationID, activeConversationID uint) int {
	if activeConversationID != 0 && conversationID == activeConversationID {
		return 0
	}
	n := 0
	for i := range msgs {
		if isUnread(&msgs[i], viewer) {
			n++
		}
	}
	return n
}

// Totals computes per-conversation unread counts and their sum for a viewer.
// Conversations the viewer has hidden contribute nothing, to either the map
// or the total. Conversations are expected with Participants and Messages
// loaded.
func Totals(convs []models.Conversation, viewer string, activeConversationID uint) (map[uint]int, int) {
	perConv := make(map[uint]int, len(convs))
	total := 0
	for i := range convs {
		conv := &convs[i]
		if hiddenFor(conv, viewer) {
			continue
		}
		n := Count(conv.Messages, viewer, conv.ID, activeConversationID)
		perConv[conv.ID] = n
		total += n
	}
	return perConv, total
}

func isUnread(m *models.Message, viewer string) bool {
	if m.SenderEmail == viewer {
		return false
	}
	if models.IsTombstone(m.SenderEmail) {
		return false
	}
	return !m.ReadByContains(viewer)
}

func hiddenFor(conv *models.Conversation, viewer string) bool {
	for _, p := range conv.Participants {
		if p.UserEmail == viewer {
			return p.Hidden
		}
	}
	return false
}
