package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newLocalStore returns a CacheStore without a remote backend.
func newLocalStore(t *testing.T, clock *fakeClock) *CacheStore {
	t.Helper()
	opts := CacheStoreOptions{}
	if clock != nil {
		opts.Now = clock.Now
	}
	s := NewCacheStore(opts)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// memUserRepo is an in-memory UserRepository.
type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*UserRecord
	saves int
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: map[string]*UserRecord{}}
}

func (r *memUserRepo) add(t *testing.T, id, username, email, password, role string) *UserRecord {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &UserRecord{ID: id, Username: username, Email: email, PasswordHash: string(hash), Role: role, Status: "active", CreatedAt: time.Now()}
	r.mu.Lock()
	r.users[id] = u
	r.mu.Unlock()
	return u
}

func (r *memUserRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *memUserRepo) get(id string) *UserRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (r *memUserRepo) FindByLogin(_ context.Context, login string) (*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == login || strings.EqualFold(u.Email, login) || (u.StudentID != "" && u.StudentID == login) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memUserRepo) FindByID(_ context.Context, id string) (*UserRecord, error) {
	if u := r.get(id); u != nil {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memUserRepo) FindByUsername(_ context.Context, username string) (*UserRecord, error) {
	return r.findFirst(func(u *UserRecord) bool { return u.Username == username })
}

func (r *memUserRepo) FindByStudentID(_ context.Context, studentID string) (*UserRecord, error) {
	return r.findFirst(func(u *UserRecord) bool { return u.StudentID != "" && u.StudentID == studentID })
}

func (r *memUserRepo) findFirst(match func(*UserRecord) bool) (*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

// Create enforces the same unique columns as the users table.
func (r *memUserRepo) Create(_ context.Context, nu NewUser) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		switch {
		case u.Username == nu.Username:
			return "", ErrUsernameTaken
		case nu.Email != "" && strings.EqualFold(u.Email, nu.Email):
			return "", ErrEmailTaken
		case nu.StudentID != "" && u.StudentID == nu.StudentID:
			return "", ErrStudentIDTaken
		}
	}
	id := NewUserID()
	u := &UserRecord{
		ID: id, Username: nu.Username, Email: nu.Email, StudentID: nu.StudentID,
		PasswordHash: nu.PasswordHash, Role: nu.Role, Status: "active",
		RealName: nu.RealName, College: nu.College, Major: nu.Major, ClassName: nu.ClassName,
		CreatedAt: time.Now(),
	}
	if nu.Jwxt != nil {
		u.JwxtUsername, u.JwxtPassword = nu.Jwxt.Username, nu.Jwxt.Password
	}
	r.users[id] = u
	return id, nil
}

func (r *memUserRepo) HasAdmin(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Role == "admin" {
			return true, nil
		}
	}
	return false, nil
}

func (r *memUserRepo) UpdatePasswordHash(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (r *memUserRepo) FindCredential(_ context.Context, userID string) (*BoundCredential, error) {
	u := r.get(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}
	if u.JwxtUsername == "" {
		return nil, nil
	}
	return &BoundCredential{Username: u.JwxtUsername, Password: u.JwxtPassword}, nil
}

func (r *memUserRepo) SaveCredential(_ context.Context, userID string, cred BoundCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.JwxtUsername = cred.Username
	u.JwxtPassword = cred.Password
	r.saves++
	return nil
}

func (r *memUserRepo) ClearCredential(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.JwxtUsername = ""
		u.JwxtPassword = ""
	}
	return nil
}

// recordingSender keeps the last code per purpose:email.
type recordingSender struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
	err   error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{codes: map[string]string{}}
}

func (s *recordingSender) SendCode(_ context.Context, purpose, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	s.codes[purpose+":"+email] = code
	return s.err
}

func (s *recordingSender) last(purpose, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[purpose+":"+email]
}
