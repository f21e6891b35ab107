package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Code purposes; each is also the cache key prefix.
const (
	PurposeVerifyEmail   = "verify_code"
	PurposeResetPassword = "reset_pwd_code"
)

const (
	CodeTTL            = 600 * time.Second
	CodeResendInterval = 60 * time.Second
	codeDigits         = 6
)

var (
	ErrCodeTooFrequent = errors.New("verification code requested too frequently")
	ErrCodeExpired     = errors.New("verification code expired or not requested")
	ErrCodeInvalid     = errors.New("verification code mismatch")
	ErrCodeDelivery    = errors.New("verification code delivery failed")
)

// CodeSender delivers a code to the user (mail, SMS, ...).
type CodeSender interface {
	SendCode(ctx context.Context, purpose, email, code string) error
}

// LogCodeSender writes codes to the log. Used when no mail transport is configured.
type LogCodeSender struct{}

func (LogCodeSender) SendCode(_ context.Context, purpose, email, code string) error {
	slog.Info("verification code issued", "purpose", purpose, "email", email, "code", code)
	return nil
}

// VerificationCodes issues one-time codes stored in the cache with CodeTTL.
// A resend is refused while more than CodeTTL-CodeResendInterval of the
// previous code's TTL remains.
type VerificationCodes struct {
	store   KVStore
	sender  CodeSender
	newCode func() (string, error)
}

func NewVerificationCodes(store KVStore, sender CodeSender) *VerificationCodes {
	if sender == nil {
		sender = LogCodeSender{}
	}
	return &VerificationCodes{
		store:   store,
		sender:  sender,
		newCode: func() (string, error) { return newNumericCode(codeDigits) },
	}
}

func codeKey(purpose, email string) string {
	return purpose + ":" + strings.ToLower(strings.TrimSpace(email))
}

// resendThreshold is 540: a key with more TTL left was written under 60s ago.
const resendThreshold = int64((CodeTTL - CodeResendInterval) / time.Second)

func sentRecently(ttl int64) bool {
	return ttl > resendThreshold
}

// Send stores a fresh code and hands it to the sender. The stored code stays
// valid even if delivery fails.
func (v *VerificationCodes) Send(ctx context.Context, purpose, email string) error {
	key := codeKey(purpose, email)
	remaining, err := v.store.TTL(ctx, key)
	if err != nil {
		return err
	}
	if sentRecently(remaining) {
		return ErrCodeTooFrequent
	}
	code, err := v.newCode()
	if err != nil {
		return err
	}
	if err := v.store.Set(ctx, key, code, CodeTTL); err != nil {
		return err
	}
	if err := v.sender.SendCode(ctx, purpose, email, code); err != nil {
		slog.Warn("verification code delivery failed", "purpose", purpose, "email", email, "err", err)
		return fmt.Errorf("%w: %v", ErrCodeDelivery, err)
	}
	return nil
}

// Check compares code with the stored one without consuming it.
func (v *VerificationCodes) Check(ctx context.Context, purpose, email, code string) error {
	stored, ok, err := v.store.Get(ctx, codeKey(purpose, email))
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(code))) != 1 {
		return ErrCodeInvalid
	}
	return nil
}

// Verify checks the code and deletes it on success.
func (v *VerificationCodes) Verify(ctx context.Context, purpose, email, code string) error {
	if err := v.Check(ctx, purpose, email, code); err != nil {
		return err
	}
	return v.Consume(ctx, purpose, email)
}

func (v *VerificationCodes) Consume(ctx context.Context, purpose, email string) error {
	return v.store.Del(ctx, codeKey(purpose, email))
}
