package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "xisu-campus"

	purposeEmailVerified = "email_verified"
	purposeResetPassword = "reset_password"

	EmailVerifiedTokenTTL = 30 * time.Minute
	ResetTokenTTL         = 10 * time.Minute
)

var ErrInvalidToken = errors.New("invalid or expired token")

type purposeClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
	Code    string `json:"code,omitempty"`
}

// TokenIssuer signs short-lived HS256 tokens for the email flows.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: []byte(secret), now: now}
}

func (t *TokenIssuer) issue(purpose, email, code string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := purposeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   strings.ToLower(strings.TrimSpace(email)),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
		Code:    code,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *TokenIssuer) parse(purpose, tokenString string) (*purposeClaims, error) {
	claims := &purposeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != purpose || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueEmailVerified proves that email passed code verification.
func (t *TokenIssuer) IssueEmailVerified(email string) (string, error) {
	return t.issue(purposeEmailVerified, email, "", EmailVerifiedTokenTTL)
}

// ParseEmailVerified returns the verified email.
func (t *TokenIssuer) ParseEmailVerified(token string) (string, error) {
	claims, err := t.parse(purposeEmailVerified, token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IssueResetToken binds a password-reset code to email.
func (t *TokenIssuer) IssueResetToken(email, code string) (string, error) {
	return t.issue(purposeResetPassword, email, code, ResetTokenTTL)
}

// ParseResetToken returns the email and code a reset token was issued for.
func (t *TokenIssuer) ParseResetToken(token string) (email, code string, err error) {
	claims, err := t.parse(purposeResetPassword, token)
	if err != nil {
		return "", "", err
	}
	if claims.Code == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.Code, nil
}
