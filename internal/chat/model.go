package chat

import (
	"errors"
	"time"

	"livechat/internal/user"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

// Conversation is the reference-only record: participants are ids.
type Conversation struct {
	ID             string    `json:"id"`
	IsGroup        bool      `json:"isGroup"`
	GroupName      string    `json:"groupName,omitempty"`
	GroupAvatar    string    `json:"groupAvatar,omitempty"`
	ParticipantIDs []string  `json:"participantIds"`
	AdminIDs       []string  `json:"adminIds,omitempty"`
	LastMessageID  string    `json:"lastMessageId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ConversationView is the hydrated form sent to clients, with participant
// summaries and the last message populated.
type ConversationView struct {
	ID           string         `json:"id"`
	IsGroup      bool           `json:"isGroup"`
	GroupName    string         `json:"groupName,omitempty"`
	GroupAvatar  string         `json:"groupAvatar,omitempty"`
	Participants []user.Summary `json:"participants"`
	AdminIDs     []string       `json:"adminIds,omitempty"`
	LastMessage  *MessageView   `json:"lastMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (v *ConversationView) ParticipantIDs() []string {
	ids := make([]string, len(v.Participants))
	for i, p := range v.Participants {
		ids[i] = p.ID
	}
	return ids
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FileURL        string      `json:"fileUrl,omitempty"`
	ReadBy         []string    `json:"readBy"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// MessageView is a message with its sender populated; it is the
// message:receive payload.
type MessageView struct {
	Message
	Sender user.Summary `json:"sender"`
}

// ReadReceipt is the message:read payload.
type ReadReceipt struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// ---------------------------------------------
// Request DTOs
// ---------------------------------------------

type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
	IsGroup        bool     `json:"isGroup"`
	GroupName      string   `json:"groupName" validate:"required_if=IsGroup true,max=100"`
}

// UpdateGroupRequest changes only the fields that are set.
type UpdateGroupRequest struct {
	GroupName   string `json:"groupName" validate:"omitempty,max=100"`
	GroupAvatar string `json:"groupAvatar" validate:"omitempty,url"`
}

type AddParticipantsRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
}

type SendMessageRequest struct {
	ConversationID string      `json:"conversationId" validate:"required"`
	Content        string      `json:"content" validate:"max=4000"`
	Type           MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	FileURL        string      `json:"fileUrl" validate:"omitempty,url"`
}

// normalize defaults the type to text and checks the per-type required
// field: content for text, a file URL for images and files.
func (r *SendMessageRequest) normalize() error {
	if r.Type == "" {
		r.Type = MessageText
	}
	switch r.Type {
	case MessageText:
		if r.Content == "" {
			return errors.New("content is required for text messages")
		}
	case MessageImage, MessageFile:
		if r.FileURL == "" {
			return errors.New("fileUrl is required for image and file messages")
		}
	}
	return nil
}
