package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	repo.add(t, "u1", "alice", "alice@xisu.edu.cn", "secret1", "user")
	blocked := repo.add(t, "u2", "bob", "bob@xisu.edu.cn", "secret2", "user")
	blocked.Status = "disabled"
	auth := NewRepositoryAuthService(repo)

	u, err := auth.Authenticate(ctx, " alice ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.False(t, u.JwxtBound)

	u, err = auth.Authenticate(ctx, "ALICE@xisu.edu.cn", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = auth.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, "", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, "bob", "secret2")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

type accountFixture struct {
	repo     *memUserRepo
	sender   *recordingSender
	clock    *fakeClock
	jwxt     *stubAuthenticator
	accounts *AccountService
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	f := &accountFixture{repo: newMemUserRepo(), sender: newRecordingSender(), clock: newFakeClock()}
	f.jwxt = &stubAuthenticator{result: okLogin("T")}
	f.jwxt.result.UserInfo = &UpstreamUserInfo{StudentID: "2021001", Name: "张三", College: "信息学院", Major: "软件工程", ClassName: "软件2101"}
	codes := NewVerificationCodes(newLocalStore(t, f.clock), f.sender)
	f.accounts = NewAccountService(f.repo, codes, NewTokenIssuer("test-secret", f.clock.Now), NewCredentialBridge(f.repo, f.jwxt))
	return f
}

// verifiedEmail runs the email code flow and returns the token Register wants.
func (f *accountFixture) verifiedEmail(t *testing.T, email string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.accounts.SendEmailVerification(ctx, email))
	token, err := f.accounts.VerifyEmail(ctx, email, f.sender.last(PurposeVerifyEmail, normalizeEmail(email)))
	require.NoError(t, err)
	return token
}

func newRegistration(token string) Registration {
	return Registration{
		Username:     "carol_01",
		Password:     "carolpw1",
		Email:        "carol@xisu.edu.cn",
		EmailToken:   token,
		StudentID:    "2021001",
		JwxtPassword: "jw-secret",
	}
}

func TestPasswordResetFlow(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)
	f.repo.add(t, "u1", "alice", "alice@xisu.edu.cn", "oldpass", "user")

	require.NoError(t, f.accounts.SendResetCode(ctx, "Alice@xisu.edu.cn"))
	code := f.sender.last(PurposeResetPassword, "alice@xisu.edu.cn")
	require.NotEmpty(t, code)

	_, err := f.accounts.IssueResetToken(ctx, "alice@xisu.edu.cn", "999999x")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	token, err := f.accounts.IssueResetToken(ctx, "alice@xisu.edu.cn", code)
	require.NoError(t, err)

	assert.ErrorIs(t, f.accounts.ResetPassword(ctx, token, "short"), ErrWeakPassword)
	require.NoError(t, f.accounts.ResetPassword(ctx, token, "newpass1"))

	stored := f.repo.get("u1")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("newpass1")))

	assert.ErrorIs(t, f.accounts.ResetPassword(ctx, token, "another1"), ErrCodeExpired, "code is single-use")
}

func TestResetPasswordRejectsForeignToken(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)
	f.repo.add(t, "u1", "alice", "alice@xisu.edu.cn", "oldpass", "user")

	other := NewTokenIssuer("other-secret", nil)
	token, err := other.IssueResetToken("alice@xisu.edu.cn", "123456")
	require.NoError(t, err)
	assert.ErrorIs(t, f.accounts.ResetPassword(ctx, token, "newpass1"), ErrInvalidToken)
}

func TestSendResetCodeUnknownEmail(t *testing.T) {
	f := newAccountFixture(t)
	assert.ErrorIs(t, f.accounts.SendResetCode(context.Background(), "ghost@xisu.edu.cn"), ErrEmailNotRegistered)
	assert.Equal(t, 0, f.sender.sent)
}

func TestEmailVerificationFlow(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)
	f.repo.add(t, "u1", "alice", "alice@xisu.edu.cn", "oldpass", "user")

	assert.ErrorIs(t, f.accounts.SendEmailVerification(ctx, "ALICE@xisu.edu.cn"), ErrEmailTaken)

	require.NoError(t, f.accounts.SendEmailVerification(ctx, "new@xisu.edu.cn"))
	assert.ErrorIs(t, f.accounts.SendEmailVerification(ctx, "new@xisu.edu.cn"), ErrCodeTooFrequent)

	code := f.sender.last(PurposeVerifyEmail, "new@xisu.edu.cn")
	token, err := f.accounts.VerifyEmail(ctx, "new@xisu.edu.cn", code)
	require.NoError(t, err)

	email, err := NewTokenIssuer("test-secret", f.clock.Now).ParseEmailVerified(token)
	require.NoError(t, err)
	assert.Equal(t, "new@xisu.edu.cn", email)

	_, err = f.accounts.VerifyEmail(ctx, "new@xisu.edu.cn", code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestRegisterBindsJwxtAndStoresProfile(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)
	reg := newRegistration(f.verifiedEmail(t, "Carol@xisu.edu.cn"))
	reg.StudentID = " 2021001 "

	u, err := f.accounts.Register(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, "carol_01", u.Username)
	assert.Equal(t, "carol@xisu.edu.cn", u.Email)
	assert.Equal(t, "2021001", u.StudentID)
	assert.True(t, u.JwxtBound)
	assert.Equal(t, "张三", u.RealName)
	assert.Equal(t, "软件2101", u.ClassName)
	assert.Equal(t, "user", u.Role)
	assert.Equal(t, int32(1), f.jwxt.calls.Load())

	stored := f.repo.get(u.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "2021001", stored.JwxtUsername)
	assert.Equal(t, "jw-secret", stored.JwxtPassword)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("carolpw1")))

	logged, err := NewRepositoryAuthService(f.repo).Authenticate(ctx, "2021001", "carolpw1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)
}

func TestRegisterRejectsBadEmailToken(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)

	reg := newRegistration("not-a-token")
	_, err := f.accounts.Register(ctx, reg)
	assert.ErrorIs(t, err, ErrInvalidToken)

	reg = newRegistration(f.verifiedEmail(t, "someone@xisu.edu.cn"))
	_, err = f.accounts.Register(ctx, reg)
	assert.ErrorIs(t, err, ErrInvalidToken, "token for another address")

	token := f.verifiedEmail(t, "carol@xisu.edu.cn")
	f.clock.Advance(EmailVerifiedTokenTTL + time.Second)
	_, err = f.accounts.Register(ctx, newRegistration(token))
	assert.ErrorIs(t, err, ErrInvalidToken, "expired token")

	assert.Equal(t, int32(0), f.jwxt.calls.Load())
}

func TestRegisterJwxtRejectionCreatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)
	f.jwxt.result = LoginResult{Success: false, Error: "密码错误"}

	_, err := f.accounts.Register(ctx, newRegistration(f.verifiedEmail(t, "carol@xisu.edu.cn")))
	var authErr *UpstreamAuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "密码错误", authErr.Message)

	_, err = f.repo.FindByUsername(ctx, "carol_01")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRegisterConflicts(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)
	existing := f.repo.add(t, "u1", "alice", "alice@xisu.edu.cn", "alicepw", "user")
	existing.StudentID = "2020999"
	token := f.verifiedEmail(t, "carol@xisu.edu.cn")

	reg := newRegistration(token)
	reg.Username = "alice"
	_, err := f.accounts.Register(ctx, reg)
	assert.ErrorIs(t, err, ErrUsernameTaken)

	reg = newRegistration(token)
	reg.StudentID = "2020999"
	_, err = f.accounts.Register(ctx, reg)
	assert.ErrorIs(t, err, ErrStudentIDTaken)

	assert.Equal(t, int32(0), f.jwxt.calls.Load(), "conflicts are found before the upstream login")
}

func TestRegisterValidatesInput(t *testing.T) {
	f := newAccountFixture(t)
	token := f.verifiedEmail(t, "carol@xisu.edu.cn")

	for name, mutate := range map[string]func(*Registration){
		"short username": func(r *Registration) { r.Username = "ab" },
		"bad username":   func(r *Registration) { r.Username = "carol!" },
		"no student id":  func(r *Registration) { r.StudentID = "  " },
		"no jwxt pass":   func(r *Registration) { r.JwxtPassword = "" },
	} {
		reg := newRegistration(token)
		mutate(&reg)
		_, err := f.accounts.Register(context.Background(), reg)
		assert.ErrorIs(t, err, ErrInvalidRegistration, name)
	}

	reg := newRegistration(token)
	reg.Password = "12345"
	_, err := f.accounts.Register(context.Background(), reg)
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t)
	f.repo.add(t, "u1", "alice", "alice@xisu.edu.cn", "oldpass", "user")

	assert.ErrorIs(t, f.accounts.ChangePassword(ctx, "u1", "wrong", "newpass1"), ErrWrongPassword)
	assert.ErrorIs(t, f.accounts.ChangePassword(ctx, "u1", "oldpass", "short"), ErrWeakPassword)
	assert.ErrorIs(t, f.accounts.ChangePassword(ctx, "ghost", "oldpass", "newpass1"), ErrUserNotFound)

	require.NoError(t, f.accounts.ChangePassword(ctx, "u1", "oldpass", "newpass1"))
	auth := NewRepositoryAuthService(f.repo)
	_, err := auth.Authenticate(ctx, "alice", "oldpass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, "alice", "newpass1")
	assert.NoError(t, err)
}
