package core

import (
	"context"
	"errors"
	"time"
)

// User represents an authenticated principal returned to handlers.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	StudentID string    `json:"student_id,omitempty"`
	RealName  string    `json:"real_name,omitempty"`
	College   string    `json:"college,omitempty"`
	Major     string    `json:"major,omitempty"`
	ClassName string    `json:"class_name,omitempty"`
	Role      string    `json:"role"`
	JwxtBound bool      `json:"jwxt_bound"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrInvalidCredentials is returned when login/password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrEmailNotRegistered = errors.New("email not registered")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrWrongPassword      = errors.New("current password is wrong")
	// ErrInvalidRegistration covers a malformed username or a missing student id.
	ErrInvalidRegistration = errors.New("invalid registration")
)

// AuthService defines authentication behaviour.
type AuthService interface {
	Authenticate(ctx context.Context, login, password string) (User, error)
}

func userFromRecord(u *UserRecord) User {
	return User{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		StudentID: u.StudentID,
		RealName:  u.RealName,
		College:   u.College,
		Major:     u.Major,
		ClassName: u.ClassName,
		Role:      u.Role,
		JwxtBound: u.JwxtUsername != "",
		CreatedAt: u.CreatedAt,
	}
}
