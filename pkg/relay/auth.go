package relay

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns password as a bcrypt hash. A value that already is a
// bcrypt hash is returned unchanged.
func HashPassword(password string) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return []byte(password), nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// checkPassword reports whether password unlocks the relay. Without a
// configured password every value does.
func (s *Server) checkPassword(password string) bool {
	if len(s.config.PasswordHash) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(s.config.PasswordHash, []byte(password)) == nil
}
