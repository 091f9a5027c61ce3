// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxUserNameLen = 64

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserNameTooLong = errors.New("user name too long")
)

type UserID string

// User identifies one conference participant as reported by the
// signaling layer. Name is the display name carried in presence events.
type User struct {
	ID   UserID `json:"userId"`
	Name string `json:"userName"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id, name string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(name) > MaxUserNameLen {
		return nil, ErrUserNameTooLong
	}
	return &User{ID: UserID(id), Name: name}, nil
}

// NewAnonymousUser mints a user for signaling paths that carry no
// identity, screen-share presenters among them.
func NewAnonymousUser(name string) *User {
	return &User{ID: UserID(uuid.NewString()), Name: name}
}
