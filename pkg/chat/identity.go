package chat

// Identity is the signed-in user as far as the chat core cares.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Valid reports whether both fields are populated.
func (i Identity) Valid() bool {
	return i.UserID != "" && i.DisplayName != ""
}
