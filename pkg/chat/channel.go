package chat

import "time"

// Server is a group of channels.
type Server struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel belongs to exactly one server.
type Channel struct {
	ID          int64     `json:"id"`
	ServerID    int64     `json:"server_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}
