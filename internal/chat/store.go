package chat

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrUnknownUser is returned when a participant id names no user.
	ErrUnknownUser = errors.New("unknown user")
)

// Store is the persistence boundary the realtime core reads through.
type Store interface {
	// ConversationIDsFor lists every conversation the user participates in.
	ConversationIDsFor(ctx context.Context, userID string) ([]string, error)
	// Participants returns ErrNotFound for an unknown conversation.
	Participants(ctx context.Context, conversationID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	// MarkAsRead adds userID to the message's read set and returns the
	// owning conversation. ErrNotFound if the message does not exist,
	// ErrForbidden if the user is not a participant.
	MarkAsRead(ctx context.Context, messageID, userID string) (string, error)
}

// ConversationStore is what the REST handlers need on top of Store.
type ConversationStore interface {
	Store
	// CreateConversation and AddParticipants return ErrUnknownUser when a
	// participant id names no user.
	CreateConversation(ctx context.Context, c *Conversation) error
	// FindDirectConversation returns ErrNotFound when the pair has none.
	FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationView(ctx context.Context, id string) (*ConversationView, error)
	ListConversationViews(ctx context.Context, userID string) ([]ConversationView, error)
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error
	// UpdateGroup sets the non-empty fields.
	UpdateGroup(ctx context.Context, conversationID, name, avatar string) error
	// CreateMessage inserts the message and bumps the conversation's last
	// message in one transaction.
	CreateMessage(ctx context.Context, m *Message) error
	GetMessageView(ctx context.Context, id string) (*MessageView, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]MessageView, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string) error
}
