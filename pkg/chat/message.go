package chat

import (
	"strings"
	"time"
)

// Message is a chat message as seen by the client. Authoritative rows carry a
// server-issued UUID; optimistic rows carry a locally generated one until they
// are reconciled.
type Message struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	DisplayName string    `json:"display_name"`
	UserID      string    `json:"user_id"`
	ChannelID   int64     `json:"channel_id"`
	CreatedAt   time.Time `json:"created_at"`

	// Failed is set when the write for an optimistic row did not reach the backend.
	Failed bool `json:"failed,omitempty"`
	// Pending marks an optimistic row that has not been confirmed yet.
	Pending bool `json:"-"`
}

// Optimistic reports whether the message was rendered locally and never confirmed.
func (m Message) Optimistic() bool {
	return m.Pending || m.Failed
}

// Draft is the payload of a write: everything the backend needs to persist a
// message. The backend assigns the ID and timestamp.
type Draft struct {
	Content     string `json:"content"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ChannelID   int64  `json:"channel_id"`
}

// Draft returns the write payload for m.
func (m Message) Draft() Draft {
	return Draft{
		Content:     m.Content,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		ChannelID:   m.ChannelID,
	}
}

// NormalizeContent trims surrounding whitespace. An empty result means the
// content must not be sent.
func NormalizeContent(content string) string {
	return strings.TrimSpace(content)
}
