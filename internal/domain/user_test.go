package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("u1", "Ada")
	require.NoError(t, err)
	assert.Equal(t, UserID("u1"), u.ID)
	assert.Equal(t, "Ada", u.Name)
}

func TestNewUserEmptyID(t *testing.T) {
	_, err := NewUser("", "Ada")
	assert.ErrorIs(t, err, ErrUserIDEmpty)
}

func TestNewUserNameTooLong(t *testing.T) {
	_, err := NewUser("u1", strings.Repeat("x", MaxUserNameLen+1))
	assert.ErrorIs(t, err, ErrUserNameTooLong)
}

func TestNewAnonymousUser(t *testing.T) {
	a := NewAnonymousUser("guest")
	b := NewAnonymousUser("guest")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "guest", a.Name)
}
