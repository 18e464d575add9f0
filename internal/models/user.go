package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account. PasswordHash is a bcrypt digest and never
// leaves the server.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// PlayerIdentity is the durable identity the session layer binds to a
// possibly-changing physical connection. Guests get one on first join;
// authenticated players inherit their user id.
type PlayerIdentity struct {
	ID            uuid.UUID `json:"id"`
	Username      string    `json:"username"`
	Authenticated bool      `json:"authenticated"`
}
