package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// BootstrapAdmin creates the first admin account when none exists. The admin
// has no academic-affairs binding; it only reaches the admin cache and status
// routes. A bootstrap username already held by a registered student is an
// error rather than a silent promotion.
func BootstrapAdmin(ctx context.Context, repo UserRepository, cfg Config) error {
	if !cfg.BootstrapAdminEnabled {
		return nil
	}

	has, err := repo.HasAdmin(ctx)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	username := firstNonEmpty(cfg.BootstrapAdminUsername, "admin")
	if _, err := repo.FindByUsername(ctx, username); err == nil {
		return fmt.Errorf("bootstrap admin: username %q belongs to a non-admin account", username)
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	password, err := generatePassword(32)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	id, err := repo.Create(ctx, NewUser{
		Username:     username,
		Email:        normalizeEmail(cfg.BootstrapAdminEmail),
		PasswordHash: string(hash),
		Role:         "admin",
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	if cfg.InitialAdminPasswordPath != "" {
		if err := os.WriteFile(cfg.InitialAdminPasswordPath, []byte(password+"\n"), 0o600); err != nil {
			return err
		}
		slog.Info("bootstrap: initial admin created", "user_id", id, "username", username, "password_file", cfg.InitialAdminPasswordPath)
		return nil
	}
	slog.Warn("bootstrap: initial admin created, password shown once", "user_id", id, "username", username, "password", password)
	return nil
}

func generatePassword(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("password length must be positive")
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}
