package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

var (
	// ErrNotBound means the local user has no stored academic-affairs credential.
	ErrNotBound = errors.New("jwxt account not bound")
	// ErrUpstreamAuthFailed matches every *UpstreamAuthError.
	ErrUpstreamAuthFailed = errors.New("jwxt login rejected")
)

// UpstreamAuthError carries the academic-affairs service's reason for rejecting
// a stored or submitted credential.
type UpstreamAuthError struct {
	Message string
}

func (e *UpstreamAuthError) Error() string {
	if e.Message == "" {
		return ErrUpstreamAuthFailed.Error()
	}
	return ErrUpstreamAuthFailed.Error() + ": " + e.Message
}

func (e *UpstreamAuthError) Is(target error) bool { return target == ErrUpstreamAuthFailed }

// BoundCredential is the academic-affairs login stored on a local user.
type BoundCredential struct {
	Username string
	Password string
}

// CredentialStore persists bound credentials. FindCredential returns (nil, nil)
// for a user who never bound an account.
type CredentialStore interface {
	FindCredential(ctx context.Context, userID string) (*BoundCredential, error)
	SaveCredential(ctx context.Context, userID string, cred BoundCredential) error
	ClearCredential(ctx context.Context, userID string) error
}

// Authenticator is the part of JwxtClient needed to open an upstream session.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (LoginResult, error)
}

// CredentialBridge turns a local user into an upstream session. Sessions are
// not reused: each call logs in again.
type CredentialBridge struct {
	creds CredentialStore
	auth  Authenticator
}

func NewCredentialBridge(creds CredentialStore, auth Authenticator) *CredentialBridge {
	return &CredentialBridge{creds: creds, auth: auth}
}

// ResolveToken returns a fresh upstream token for userID.
func (b *CredentialBridge) ResolveToken(ctx context.Context, userID string) (string, error) {
	sess, err := b.Session(ctx, userID)
	if err != nil {
		return "", err
	}
	return sess.Token, nil
}

// Session logs in with the stored credential and returns the whole session.
func (b *CredentialBridge) Session(ctx context.Context, userID string) (*UpstreamSession, error) {
	cred, err := b.creds.FindCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Username == "" || cred.Password == "" {
		return nil, ErrNotBound
	}
	return b.login(ctx, *cred)
}

// Bind validates the credential upstream and stores it only when login succeeds.
func (b *CredentialBridge) Bind(ctx context.Context, userID, username, password string) (*UpstreamSession, error) {
	cred := BoundCredential{Username: strings.TrimSpace(username), Password: password}
	sess, err := b.Verify(ctx, cred.Username, cred.Password)
	if err != nil {
		return nil, err
	}
	if err := b.creds.SaveCredential(ctx, userID, cred); err != nil {
		return nil, err
	}
	slog.Info("jwxt account bound", "user_id", userID, "jwxt_username", cred.Username)
	return sess, nil
}

// Verify logs in with a submitted credential without storing it.
func (b *CredentialBridge) Verify(ctx context.Context, username, password string) (*UpstreamSession, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, &UpstreamAuthError{Message: "学号和密码不能为空"}
	}
	return b.login(ctx, BoundCredential{Username: username, Password: password})
}

// Unbind removes the stored credential. Unbinding an unbound user is not an error.
func (b *CredentialBridge) Unbind(ctx context.Context, userID string) error {
	if err := b.creds.ClearCredential(ctx, userID); err != nil {
		return err
	}
	slog.Info("jwxt account unbound", "user_id", userID)
	return nil
}

// Bound reports whether userID has a stored credential and, if so, its username.
func (b *CredentialBridge) Bound(ctx context.Context, userID string) (bool, string, error) {
	cred, err := b.creds.FindCredential(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if cred == nil || cred.Username == "" {
		return false, "", nil
	}
	return true, cred.Username, nil
}

func (b *CredentialBridge) login(ctx context.Context, cred BoundCredential) (*UpstreamSession, error) {
	res, err := b.auth.Login(ctx, cred.Username, cred.Password)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &UpstreamAuthError{Message: res.Error}
	}
	sess := res.UpstreamSession
	return &sess, nil
}
