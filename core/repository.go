package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrUsernameTaken  = errors.New("username already taken")
	ErrStudentIDTaken = errors.New("student id already registered")
)

// UserRecord is a row of users. JwxtUsername/JwxtPassword are empty when
// no academic-affairs account is bound.
type UserRecord struct {
	ID           string
	Username     string
	Email        string
	StudentID    string
	PasswordHash string
	Role         string
	Status       string
	RealName     string
	College      string
	Major        string
	ClassName    string
	JwxtUsername string
	JwxtPassword string
	CreatedAt    time.Time
}

// NewUser is what Create inserts. Jwxt is nil for an account with nothing bound.
type NewUser struct {
	Username     string
	Email        string
	StudentID    string
	PasswordHash string
	Role         string
	RealName     string
	College      string
	Major        string
	ClassName    string
	Jwxt         *BoundCredential
}

// UserRepository defines persistence operations for users.
type UserRepository interface {
	CredentialStore

	// FindByLogin matches username, email or student id.
	FindByLogin(ctx context.Context, login string) (*UserRecord, error)
	FindByID(ctx context.Context, id string) (*UserRecord, error)
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)
	FindByUsername(ctx context.Context, username string) (*UserRecord, error)
	FindByStudentID(ctx context.Context, studentID string) (*UserRecord, error)
	// Create returns ErrUsernameTaken, ErrEmailTaken or ErrStudentIDTaken on a
	// uniqueness conflict.
	Create(ctx context.Context, u NewUser) (string, error)
	HasAdmin(ctx context.Context) (bool, error)
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// PgUserRepository implements UserRepository using pgxpool.
type PgUserRepository struct {
	db *pgxpool.Pool
}

func NewPgUserRepository(db *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{db: db}
}

const userColumns = `id, username, COALESCE(email,''), COALESCE(student_id,''), password_hash, role, status,
COALESCE(real_name,''), COALESCE(college,''), COALESCE(major,''), COALESCE(class_name,''),
COALESCE(jwxt_username,''), COALESCE(jwxt_password,''), created_at`

func scanUser(row pgx.Row) (*UserRecord, error) {
	var u UserRecord
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.StudentID, &u.PasswordHash, &u.Role, &u.Status,
		&u.RealName, &u.College, &u.Major, &u.ClassName,
		&u.JwxtUsername, &u.JwxtPassword, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PgUserRepository) FindByLogin(ctx context.Context, login string) (*UserRecord, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE username=$1 OR lower(email)=lower($1) OR student_id=$1 LIMIT 1`
	return scanUser(r.db.QueryRow(ctx, q, login))
}

func (r *PgUserRepository) FindByID(ctx context.Context, id string) (*UserRecord, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(r.db.QueryRow(ctx, q, id))
}

func (r *PgUserRepository) FindByEmail(ctx context.Context, email string) (*UserRecord, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE lower(email)=lower($1)`
	return scanUser(r.db.QueryRow(ctx, q, strings.TrimSpace(email)))
}

func (r *PgUserRepository) FindByUsername(ctx context.Context, username string) (*UserRecord, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	return scanUser(r.db.QueryRow(ctx, q, username))
}

func (r *PgUserRepository) FindByStudentID(ctx context.Context, studentID string) (*UserRecord, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE student_id=$1`
	return scanUser(r.db.QueryRow(ctx, q, studentID))
}

func (r *PgUserRepository) Create(ctx context.Context, u NewUser) (string, error) {
	const q = `INSERT INTO users (id, username, email, student_id, password_hash, role, status,
	real_name, college, major, class_name, jwxt_username, jwxt_password)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,'active',NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),NULLIF($12,''))
RETURNING id`
	var jwxtUser, jwxtPass string
	if u.Jwxt != nil {
		jwxtUser, jwxtPass = u.Jwxt.Username, u.Jwxt.Password
	}
	var id string
	err := r.db.QueryRow(ctx, q, NewUserID(), u.Username, strings.TrimSpace(u.Email), u.StudentID, u.PasswordHash, u.Role,
		u.RealName, u.College, u.Major, u.ClassName, jwxtUser, jwxtPass).Scan(&id)
	if err != nil {
		return "", uniqueViolation(err)
	}
	return id, nil
}

// uniqueViolation maps a unique-index failure on users to its sentinel.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "users_username_key":
		return ErrUsernameTaken
	case "users_email_lower_idx":
		return ErrEmailTaken
	case "users_student_id_idx":
		return ErrStudentIDTaken
	}
	return err
}

func (r *PgUserRepository) HasAdmin(ctx context.Context) (bool, error) {
	const q = `SELECT 1 FROM users WHERE role='admin' LIMIT 1`
	var one int
	if err := r.db.QueryRow(ctx, q).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *PgUserRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	return r.execOne(ctx, `UPDATE users SET password_hash=$1, updated_at=now() WHERE id=$2`, passwordHash, id)
}

func (r *PgUserRepository) FindCredential(ctx context.Context, userID string) (*BoundCredential, error) {
	const q = `SELECT COALESCE(jwxt_username,''), COALESCE(jwxt_password,'') FROM users WHERE id=$1`
	var cred BoundCredential
	if err := r.db.QueryRow(ctx, q, userID).Scan(&cred.Username, &cred.Password); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if cred.Username == "" {
		return nil, nil
	}
	return &cred, nil
}

func (r *PgUserRepository) SaveCredential(ctx context.Context, userID string, cred BoundCredential) error {
	return r.execOne(ctx, `UPDATE users SET jwxt_username=$1, jwxt_password=$2, updated_at=now() WHERE id=$3`,
		cred.Username, cred.Password, userID)
}

func (r *PgUserRepository) ClearCredential(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET jwxt_username=NULL, jwxt_password=NULL, updated_at=now() WHERE id=$1`, userID)
	return err
}

func (r *PgUserRepository) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
