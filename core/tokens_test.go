package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailVerifiedTokenRoundTrip(t *testing.T) {
	clock := newFakeClock()
	tokens := NewTokenIssuer("secret", clock.Now)

	tok, err := tokens.IssueEmailVerified(" Alice@Xisu.edu.cn ")
	require.NoError(t, err)
	email, err := tokens.ParseEmailVerified(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice@xisu.edu.cn", email)

	clock.Advance(EmailVerifiedTokenTTL + time.Second)
	_, err = tokens.ParseEmailVerified(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResetTokenRoundTrip(t *testing.T) {
	clock := newFakeClock()
	tokens := NewTokenIssuer("secret", clock.Now)

	tok, err := tokens.IssueResetToken("bob@xisu.edu.cn", "123456")
	require.NoError(t, err)

	clock.Advance(9 * time.Minute)
	email, code, err := tokens.ParseResetToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "bob@xisu.edu.cn", email)
	assert.Equal(t, "123456", code)

	clock.Advance(2 * time.Minute)
	_, _, err = tokens.ParseResetToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	tokens := NewTokenIssuer("secret", nil)

	verified, err := tokens.IssueEmailVerified("c@xisu.edu.cn")
	require.NoError(t, err)
	_, _, err = tokens.ParseResetToken(verified)
	assert.ErrorIs(t, err, ErrInvalidToken)

	reset, err := tokens.IssueResetToken("c@xisu.edu.cn", "654321")
	require.NoError(t, err)
	_, err = tokens.ParseEmailVerified(reset)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenSignatureChecked(t *testing.T) {
	tok, err := NewTokenIssuer("secret", nil).IssueResetToken("d@xisu.edu.cn", "111111")
	require.NoError(t, err)

	_, _, err = NewTokenIssuer("other-secret", nil).ParseResetToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	forged := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, _, err = NewTokenIssuer("secret", nil).ParseResetToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = NewTokenIssuer("secret", nil).ParseResetToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensHaveUniqueIDs(t *testing.T) {
	tokens := NewTokenIssuer("secret", nil)
	a, err := tokens.IssueEmailVerified("e@xisu.edu.cn")
	require.NoError(t, err)
	b, err := tokens.IssueEmailVerified("e@xisu.edu.cn")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
