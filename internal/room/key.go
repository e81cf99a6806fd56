// Package room records which live connections belong to which broadcast room.
package room

import (
	"errors"
	"strings"
)

// Kind distinguishes the two room namespaces.
type Kind uint8

const (
	KindUser Kind = iota + 1
	KindConversation
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindConversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// Key identifies a room. The zero Key is invalid; build keys with User or
// Conversation so an id can never land in the wrong namespace.
type Key struct {
	kind Kind
	id   string
}

// User is the personal room of a user; every connection of that user joins it.
func User(userID string) Key { return Key{kind: KindUser, id: userID} }

// Conversation is the room of a conversation's live viewers.
func Conversation(conversationID string) Key {
	return Key{kind: KindConversation, id: conversationID}
}

func (k Key) Kind() Kind { return k.kind }
func (k Key) ID() string { return k.id }
func (k Key) IsZero() bool { return k.kind == 0 }

// String renders the key as "user:<id>" or "conversation:<id>".
func (k Key) String() string {
	return k.kind.String() + ":" + k.id
}

var ErrInvalidKey = errors.New("room: invalid key")

// Parse is the inverse of Key.String.
func Parse(s string) (Key, error) {
	prefix, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, ErrInvalidKey
	}
	switch prefix {
	case "user":
		return User(id), nil
	case "conversation":
		return Conversation(id), nil
	default:
		return Key{}, ErrInvalidKey
	}
}
