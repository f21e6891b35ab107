package core

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 6

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// RepositoryAuthService checks local passwords against bcrypt hashes.
type RepositoryAuthService struct {
	users UserRepository
}

func NewRepositoryAuthService(users UserRepository) *RepositoryAuthService {
	return &RepositoryAuthService{users: users}
}

func (s *RepositoryAuthService) Authenticate(ctx context.Context, login, password string) (User, error) {
	if strings.TrimSpace(login) == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	u, err := s.users.FindByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return User{}, err
		}
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	if u.Status != "" && u.Status != "active" {
		return User{}, ErrAccountDisabled
	}
	return userFromRecord(u), nil
}

// CredentialVerifier checks an academic-affairs login without storing it.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (*UpstreamSession, error)
}

// AccountService owns the local account lifecycle: email verification,
// registration, password change and password reset.
type AccountService struct {
	users  UserRepository
	codes  *VerificationCodes
	tokens *TokenIssuer
	jwxt   CredentialVerifier
}

func NewAccountService(users UserRepository, codes *VerificationCodes, tokens *TokenIssuer, jwxt CredentialVerifier) *AccountService {
	return &AccountService{users: users, codes: codes, tokens: tokens, jwxt: jwxt}
}

// Registration is a sign-up request. EmailToken comes from VerifyEmail and
// must name Email.
type Registration struct {
	Username     string
	Password     string
	Email        string
	EmailToken   string
	StudentID    string
	JwxtPassword string
}

// Register creates a user whose academic-affairs account is bound from the
// start. The student id and password are checked upstream before anything is
// written, and the profile comes from that login.
func (s *AccountService) Register(ctx context.Context, reg Registration) (User, error) {
	username := strings.TrimSpace(reg.Username)
	studentID := strings.TrimSpace(reg.StudentID)
	email := normalizeEmail(reg.Email)
	if !usernamePattern.MatchString(username) || studentID == "" || reg.JwxtPassword == "" {
		return User{}, ErrInvalidRegistration
	}
	if len(reg.Password) < minPasswordLength {
		return User{}, ErrWeakPassword
	}
	verified, err := s.tokens.ParseEmailVerified(reg.EmailToken)
	if err != nil {
		return User{}, err
	}
	if verified != email {
		return User{}, ErrInvalidToken
	}

	if err := s.checkAvailable(ctx, username, email, studentID); err != nil {
		return User{}, err
	}

	sess, err := s.jwxt.Verify(ctx, studentID, reg.JwxtPassword)
	if err != nil {
		var authErr *UpstreamAuthError
		if errors.As(err, &authErr) && authErr.Message == "" {
			authErr.Message = "教务系统验证失败，请检查学号和密码是否正确"
		}
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	nu := NewUser{
		Username:     username,
		Email:        email,
		StudentID:    studentID,
		PasswordHash: string(hash),
		Role:         "user",
		Jwxt:         &BoundCredential{Username: studentID, Password: reg.JwxtPassword},
	}
	if info := sess.UserInfo; info != nil {
		nu.RealName, nu.College, nu.Major, nu.ClassName = info.Name, info.College, info.Major, info.ClassName
	}
	id, err := s.users.Create(ctx, nu)
	if err != nil {
		return User{}, err
	}
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	slog.Info("user registered", "user_id", id, "username", username, "student_id", studentID)
	return userFromRecord(u), nil
}

func (s *AccountService) checkAvailable(ctx context.Context, username, email, studentID string) error {
	checks := []struct {
		find  func(context.Context, string) (*UserRecord, error)
		value string
		taken error
	}{
		{s.users.FindByUsername, username, ErrUsernameTaken},
		{s.users.FindByEmail, email, ErrEmailTaken},
		{s.users.FindByStudentID, studentID, ErrStudentIDTaken},
	}
	for _, c := range checks {
		_, err := c.find(ctx, c.value)
		if err == nil {
			return c.taken
		}
		if !errors.Is(err, ErrUserNotFound) {
			return err
		}
	}
	return nil
}

// ChangePassword replaces the password of a signed-in user after checking the
// current one.
func (s *AccountService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)) != nil {
		return ErrWrongPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, string(hash)); err != nil {
		return err
	}
	slog.Info("password changed", "user_id", u.ID)
	return nil
}

// SendEmailVerification mails a code to an address that is not registered yet.
func (s *AccountService) SendEmailVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	return s.codes.Send(ctx, PurposeVerifyEmail, email)
}

// VerifyEmail consumes the code and returns a token proving ownership of email.
func (s *AccountService) VerifyEmail(ctx context.Context, email, code string) (string, error) {
	email = normalizeEmail(email)
	if err := s.codes.Verify(ctx, PurposeVerifyEmail, email, code); err != nil {
		return "", err
	}
	return s.tokens.IssueEmailVerified(email)
}

func (s *AccountService) SendResetCode(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if _, err := s.users.FindByEmail(ctx, email); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrEmailNotRegistered
		}
		return err
	}
	return s.codes.Send(ctx, PurposeResetPassword, email)
}

// IssueResetToken checks the code without consuming it; ResetPassword consumes it.
func (s *AccountService) IssueResetToken(ctx context.Context, email, code string) (string, error) {
	email = normalizeEmail(email)
	if err := s.codes.Check(ctx, PurposeResetPassword, email, code); err != nil {
		return "", err
	}
	return s.tokens.IssueResetToken(email, strings.TrimSpace(code))
}

func (s *AccountService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	email, code, err := s.tokens.ParseResetToken(token)
	if err != nil {
		return err
	}
	if err := s.codes.Check(ctx, PurposeResetPassword, email, code); err != nil {
		return err
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrEmailNotRegistered
		}
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, string(hash)); err != nil {
		return err
	}
	if err := s.codes.Consume(ctx, PurposeResetPassword, email); err != nil {
		slog.Warn("reset code not consumed", "email", email, "err", err)
	}
	slog.Info("password reset", "user_id", u.ID)
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
