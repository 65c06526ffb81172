package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/willibrandon/CodexPad-sub000/internal/snippets"
)

// MessageType discriminates the finite set of wire message kinds.
type MessageType string

const (
	// MessageTypeHandshake acknowledges connection liveness only.
	MessageTypeHandshake MessageType = "handshake"
	// MessageTypePush is a client-originated write request.
	MessageTypePush MessageType = "push"
	// MessageTypePull is a client-originated read request.
	MessageTypePull MessageType = "pull"
	// MessageTypeConfirm is the server acknowledgment of a push, sent only to the pusher.
	MessageTypeConfirm MessageType = "confirm"
	// MessageTypeUpdate carries a snippet's current state to a puller or to peers after a push.
	MessageTypeUpdate MessageType = "update"
)

var (
	// ErrUnknownMessageType indicates an inbound message with an unrecognized type.
	ErrUnknownMessageType = errors.New("server: unknown message type")
	// ErrServerOnlyMessage indicates a client sent a message kind only the server emits.
	ErrServerOnlyMessage = errors.New("server: message type is server-originated")
	// ErrInvalidMessage indicates an inbound message failed field validation.
	ErrInvalidMessage = errors.New("server: invalid message")
)

// Message is the JSON wire envelope shared by all message kinds. All fields
// except Type and SnippetID are optional depending on the kind.
type Message struct {
	Type      MessageType `json:"type"`
	SnippetID int64       `json:"snippet_id"`
	Title     string      `json:"title,omitempty"`
	Content   string      `json:"content,omitempty"`
	Version   int64       `json:"version,omitempty"`
	UpdatedAt string      `json:"updated_at,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
}

// Validate performs the syntactic checks that precede dispatch. The switch
// is exhaustive over the closed set of message kinds; a new kind must be
// given an explicit arm here.
func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeHandshake, MessageTypePull:
		if m.SnippetID <= 0 {
			return fmt.Errorf("%w: snippet_id must be positive, got %d", ErrInvalidMessage, m.SnippetID)
		}
		return nil
	case MessageTypePush:
		if m.SnippetID <= 0 {
			return fmt.Errorf("%w: snippet_id must be positive, got %d", ErrInvalidMessage, m.SnippetID)
		}
		if strings.TrimSpace(m.Title) == "" {
			return fmt.Errorf("%w: push requires a non-empty title", ErrInvalidMessage)
		}
		if m.Version <= 0 {
			return fmt.Errorf("%w: push requires a positive version, got %d", ErrInvalidMessage, m.Version)
		}
		return nil
	case MessageTypeConfirm, MessageTypeUpdate:
		return fmt.Errorf("%w: %s", ErrServerOnlyMessage, m.Type)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
}

func confirmMessage(snippet snippets.Snippet) Message {
	return Message{
		Type:      MessageTypeConfirm,
		SnippetID: snippet.ID,
		Version:   snippet.Version,
	}
}

func updateMessage(snippet snippets.Snippet, tags []string) Message {
	return Message{
		Type:      MessageTypeUpdate,
		SnippetID: snippet.ID,
		Title:     snippet.Title,
		Content:   snippet.Content,
		Version:   snippet.Version,
		UpdatedAt: time.Unix(snippet.UpdatedAtSeconds, 0).UTC().Format(time.RFC3339),
		Tags:      tags,
	}
}
