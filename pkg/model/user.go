package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MaxUsernameLength = 32
	MinPasswordLength = 6
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// UserRecord is a registered account as kept by the credential store.
// Zero LastLoginAt / LastLogoutAt means the event never happened.
type UserRecord struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	RegisteredAt time.Time `json:"registered_at"`
	LastLoginAt  time.Time `json:"last_login_at"`
	LastLogoutAt time.Time `json:"last_logout_at"`
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
//
// The character set keeps names safe inside ':'-delimited commands and
// comma-joined user lists.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}
