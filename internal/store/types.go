package store

import "time"

// User is a registered account that can be issued tokens.
type User struct {
	SubjectID    string
	Username     string
	PasswordHash string
	Tier         string
	Active       bool
	CreatedAt    time.Time
}

// Storage defines the interface for relational persistence.
type Storage interface {
	// User management
	CreateUser(user *User) error
	GetUser(username string) (*User, error)
	GetUserBySubject(subjectID string) (*User, error)

	// Configuration management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	Close() error
}
