package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"monkeyhouse/internal/middleware"
	"monkeyhouse/internal/models"
	"monkeyhouse/internal/notifications"
	"monkeyhouse/internal/observability"
	"monkeyhouse/internal/repository"
	"monkeyhouse/internal/security"
	"monkeyhouse/internal/unread"
)

// FlushWriter is the transport surface a stream writes to. *bufio.Writer
// satisfies it, which is what fasthttp's body stream writer hands us.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// Publisher turns change signals into SSE frames. Every signal triggers a
// full re-query of the subscribed result set; frames always carry complete
// snapshots, so signal loss or duplication cannot corrupt client state.
//
// Lifecycle per subscription: a connected ack, an initial snapshot, then one
// snapshot per change signal. A store error mid-stream becomes an in-band
// error frame and the stream stays open for later signals. Teardown happens
// only when ctx is done (client disconnect) or a write fails.
type Publisher struct {
	chats repository.ChatRepository
	users repository.UserRepository
	codec *security.Codec
	bus   *notifications.ChangeBus
}

// NewPublisher creates a publisher over the given collaborators.
func NewPublisher(chats repository.ChatRepository, users repository.UserRepository, codec *security.Codec, bus *notifications.ChangeBus) *Publisher {
	return &Publisher{chats: chats, users: users, codec: codec, bus: bus}
}

// StreamConversations serves the viewer's conversation list over w until ctx
// is cancelled. Callers must have authenticated the viewer already; setup
// failures belong to the HTTP layer, not the stream.
func (p *Publisher) StreamConversations(ctx context.Context, w FlushWriter, viewer string) {
	viewer = models.NormalizeEmail(viewer)
	p.run(ctx, w, FrameConversations, notifications.ConversationsChannel(viewer), func() (any, error) {
		views, err := p.ConversationsSnapshot(ctx, viewer)
		if err != nil {
			return nil, err
		}
		return ConversationsFrame{Type: FrameConversations, Conversations: views}, nil
	})
}

// StreamMessages serves one conversation's messages over w until ctx is
// cancelled. Membership must have been checked by the caller.
func (p *Publisher) StreamMessages(ctx context.Context, w FlushWriter, conversationID uint, viewer string) {
	p.run(ctx, w, FrameMessages, notifications.MessagesChannel(conversationID), func() (any, error) {
		views, err := p.MessagesSnapshot(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return MessagesFrame{Type: FrameMessages, Messages: views}, nil
	})
}

func (p *Publisher) run(ctx context.Context, w FlushWriter, topic, channel string, snapshot func() (any, error)) {
	observability.SubscriptionOpened(topic)
	defer observability.SubscriptionClosed(topic)

	changes, stop, err := p.bus.Subscribe(ctx, channel)
	if err != nil {
		middleware.Logger.ErrorContext(ctx, "stream subscribe failed",
			slog.String("topic", topic), slog.String("error", err.Error()))
		_ = p.send(w, topic, ErrorFrame{Type: FrameError, Error: "subscription unavailable"})
		return
	}
	defer stop()

	if err := p.send(w, topic, ConnectedFrame{Type: FrameConnected}); err != nil {
		return
	}
	if err := p.sendSnapshot(w, topic, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := p.sendSnapshot(w, topic, snapshot); err != nil {
				return
			}
		}
	}
}

// sendSnapshot re-queries and writes one snapshot frame. Query failures are
// reported in-band and return nil so the stream keeps serving; only write
// failures propagate, since they mean the client is gone.
func (p *Publisher) sendSnapshot(w FlushWriter, topic string, snapshot func() (any, error)) error {
	done := observability.TrackSnapshot(topic)
	frame, err := snapshot()
	done()
	if err != nil {
		middleware.Logger.Error("stream snapshot query failed",
			slog.String("topic", topic), slog.String("error", err.Error()))
		return p.send(w, topic, ErrorFrame{Type: FrameError, Error: "failed to load " + topic})
	}
	return p.send(w, topic, frame)
}

func (p *Publisher) send(w FlushWriter, topic string, frame any) error {
	if err := WriteFrame(w, frame); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	frameType := FrameError
	switch frame.(type) {
	case ConnectedFrame:
		frameType = FrameConnected
	case ConversationsFrame:
		frameType = FrameConversations
	case MessagesFrame:
		frameType = FrameMessages
	}
	observability.RecordFrame(topic, frameType)
	return nil
}

// MessagesSnapshot loads the full message list of a conversation, oldest
// first, with content decrypted and senders resolved.
func (p *Publisher) MessagesSnapshot(ctx context.Context, conversationID uint) ([]MessageView, error) {
	msgs, err := p.chats.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	senders := make([]string, 0, len(msgs))
	for i := range msgs {
		senders = append(senders, msgs[i].SenderEmail)
	}
	users, err := p.userIndex(ctx, senders)
	if err != nil {
		return nil, err
	}

	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		readBy := m.ReadBy
		if readBy == nil {
			readBy = []string{}
		}
		content, err := p.decrypt(m.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypt message %d: %w", m.ID, err)
		}
		views = append(views, MessageView{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Sender: ParticipantView{
				Email: m.SenderEmail,
				Name:  models.DisplayNameFor(m.SenderEmail, m.SenderName),
				Image: users[m.SenderEmail].Image,
			},
			Content:   content,
			ReadBy:    readBy,
			CreatedAt: m.CreatedAt,
		})
	}
	return views, nil
}

// ConversationsSnapshot loads the viewer's visible conversations, newest
// activity first. Conversations that never got a message are filtered out;
// they exist in storage from the creation flow but have nothing to show.
func (p *Publisher) ConversationsSnapshot(ctx context.Context, viewer string) ([]ConversationView, error) {
	convs, err := p.chats.ListUserConversations(ctx, viewer, false)
	if err != nil {
		return nil, err
	}

	users, err := p.resolveUsers(ctx, convs)
	if err != nil {
		return nil, err
	}

	views := make([]ConversationView, 0, len(convs))
	for i := range convs {
		conv := &convs[i]
		if conv.LastMessage == nil {
			continue
		}
		participants := make([]ParticipantView, 0, len(conv.Participants))
		for _, part := range conv.Participants {
			participants = append(participants, ParticipantView{
				Email: part.UserEmail,
				Name:  models.DisplayNameFor(part.UserEmail, users[part.UserEmail].Name),
				Image: users[part.UserEmail].Image,
			})
		}
		snap := conv.LastMessage
		lastContent, err := p.decrypt(snap.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypt last message of conversation %d: %w", conv.ID, err)
		}
		views = append(views, ConversationView{
			ID:           conv.ID,
			Name:         conv.Name,
			IsGroup:      conv.IsGroup,
			Participants: participants,
			LastMessage: &LastMessageView{
				Sender: ParticipantView{
					Email: snap.SenderEmail,
					Name:  models.DisplayNameFor(snap.SenderEmail, users[snap.SenderEmail].Name),
					Image: users[snap.SenderEmail].Image,
				},
				Content: lastContent,
				SentAt:  snap.SentAt,
			},
			UnreadCount: unread.Count(conv.Messages, viewer, conv.ID, 0),
			UpdatedAt:   conv.UpdatedAt,
		})
	}
	return views, nil
}

func (p *Publisher) resolveUsers(ctx context.Context, convs []models.Conversation) (map[string]models.User, error) {
	emails := make([]string, 0, len(convs)*2)
	for i := range convs {
		for _, part := range convs[i].Participants {
			emails = append(emails, part.UserEmail)
		}
		if snap := convs[i].LastMessage; snap != nil {
			emails = append(emails, snap.SenderEmail)
		}
	}
	return p.userIndex(ctx, emails)
}

// userIndex resolves live accounts by email. Tombstoned and unknown emails
// are simply absent; the zero User renders as no name and no image.
func (p *Publisher) userIndex(ctx context.Context, emails []string) (map[string]models.User, error) {
	seen := make(map[string]struct{}, len(emails))
	lookup := make([]string, 0, len(emails))
	for _, e := range emails {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		lookup = append(lookup, e)
	}
	users, err := p.users.GetByEmails(ctx, lookup)
	if err != nil {
		return nil, err
	}
	index := make(map[string]models.User, len(users))
	for i := range users {
		index[users[i].Email] = users[i]
	}
	return index, nil
}

// decrypt opens envelope content for serving. Legacy plaintext passes
// through; an envelope that cannot be opened fails the snapshot, which
// becomes an in-band error frame on stream paths and an error response on
// REST paths.
func (p *Publisher) decrypt(stored string) (string, error) {
	pt, err := p.codec.Open(stored)
	if err != nil {
		observability.DecryptFailuresTotal.Inc()
		return "", err
	}
	return pt, nil
}
