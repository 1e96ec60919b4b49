package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
	"actionflow/internal/repo"
)

// SystemActor is recorded on events written by bootstrap code.
const SystemActor = "system"

type UserCreateOptions struct {
	ID    string
	Email string
	Name  string
	Role  string
}

func (e Engine) CreateUser(ctx context.Context, p auth.Principal, opts UserCreateOptions) (domain.User, error) {
	if err := auth.RequireAdmin(p, "user.create"); err != nil {
		return domain.User{}, err
	}
	return e.createUser(ctx, p.UserID, opts)
}

func (e Engine) createUser(ctx context.Context, actorID string, opts UserCreateOptions) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, invalid("email", "invalid address")
	}
	role := opts.Role
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleAdmin && role != domain.RoleUser {
		return domain.User{}, invalid("role", "must be %q or %q", domain.RoleAdmin, domain.RoleUser)
	}
	u := domain.User{
		ID:        newID(opts.ID),
		Email:     email,
		Name:      strings.TrimSpace(opts.Name),
		Role:      role,
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.User{}, invalid("email", "%s already registered", email)
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.UserCreated, "", "user", u.ID, actorID, events.EventPayload{
		"email": u.Email,
		"role":  u.Role,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context, p auth.Principal, role string) ([]domain.User, error) {
	if err := auth.RequireAdmin(p, "user.list"); err != nil {
		return nil, err
	}
	return e.Repo.ListUsers(ctx, role)
}

// Me resolves the principal to its user record.
func (e Engine) Me(ctx context.Context, p auth.Principal) (domain.User, error) {
	if p.UserID == "" {
		return domain.User{}, auth.ForbiddenError{Action: "user.me", Reason: "no principal"}
	}
	return e.Repo.GetUser(ctx, p.UserID)
}

// CreateAPIKey mints a key for userID. The plaintext is only returned here;
// the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, p auth.Principal, userID, name string) (domain.APIKey, string, error) {
	if err := auth.RequireAdmin(p, "api_key.create"); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	plain, err := generateKey()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key, err := e.storeAPIKey(ctx, p.UserID, userID, name, plain)
	return key, plain, err
}

func (e Engine) storeAPIKey(ctx context.Context, actorID, userID, name, plain string) (domain.APIKey, error) {
	key := domain.APIKey{
		ID:        newID(""),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, actorID, events.EventPayload{
		"user_id": userID,
		"name":    name,
	}); err != nil {
		return domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "af_" + hex.EncodeToString(buf), nil
}

// EnsureAdmin creates the bootstrap admin when no admin exists yet, and
// registers apiKey for it when given. It returns the admin user.
func (e Engine) EnsureAdmin(ctx context.Context, email, name, apiKey string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if u.Role != domain.RoleAdmin {
			return domain.User{}, fmt.Errorf("bootstrap user %s exists without admin role", email)
		}
	case errors.Is(err, repo.ErrNotFound):
		u, err = e.createUser(ctx, SystemActor, UserCreateOptions{Email: email, Name: name, Role: domain.RoleAdmin})
		if err != nil {
			return domain.User{}, err
		}
		e.logger().Info("bootstrap admin created", zap.String("user_id", u.ID), zap.String("email", u.Email))
	default:
		return domain.User{}, err
	}
	if strings.TrimSpace(apiKey) == "" {
		return u, nil
	}
	if _, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(apiKey)); err == nil {
		return u, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	if _, err := e.storeAPIKey(ctx, SystemActor, u.ID, "bootstrap", apiKey); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// ListAPIKeys returns the keys of userID, or every key when userID is empty.
func (e Engine) ListAPIKeys(ctx context.Context, p auth.Principal, userID string) ([]domain.APIKey, error) {
	if err := auth.RequireAdmin(p, "api_key.list"); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, userID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, p auth.Principal, keyID string) error {
	if err := auth.RequireAdmin(p, "api_key.revoke"); err != nil {
		return err
	}
	if err := e.Repo.DeleteAPIKey(ctx, keyID); err != nil {
		return err
	}
	e.logger().Info("api key revoked", zap.String("key_id", keyID), zap.String("actor_id", p.UserID))
	return nil
}
