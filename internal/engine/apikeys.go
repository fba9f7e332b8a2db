package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/engine/auth"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

const apiKeyPrefix = "sc_"

// IssuedAPIKey carries the plaintext key, which is shown once and never stored.
type IssuedAPIKey struct {
	Key    domain.APIKey `json:"api_key"`
	Secret string        `json:"secret"`
}

// CreateAPIKey mints a key for actorID. Every role must exist in the rbac config.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, roles []string, createdBy string) (IssuedAPIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return IssuedAPIKey{}, domain.ValidationError{Field: "actor_id", Message: "is required"}
	}
	svc := auth.New(e.config())
	for _, r := range roles {
		if !svc.KnownRole(r) {
			return IssuedAPIKey{}, domain.ValidationError{Field: "roles", Message: fmt.Sprintf("unknown role %q", r)}
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return IssuedAPIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		Roles:     roles,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: timestamp(e.now()),
	}
	if key.Roles == nil {
		key.Roles = []string{}
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		return e.events().Append(ctx, tx, "apikey.created", 0, "api_key", key.ID, createdBy, events.EventPayload{
			"actor_id": actorID, "roles": key.Roles,
		})
	})
	if err != nil {
		return IssuedAPIKey{}, err
	}
	return IssuedAPIKey{Key: key, Secret: secret}, nil
}

// LookupAPIKey resolves a plaintext key to its stored record.
func (e Engine) LookupAPIKey(ctx context.Context, secret string) (domain.APIKey, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.APIKey{}, domain.ValidationError{Field: "api_key", Message: "is required"}
	}
	return e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
}

// ListAPIKeys returns stored keys, optionally for one actor. Hashes never leave the engine.
func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, strings.TrimSpace(actorID))
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes a key so it no longer authenticates. Revoking a missing key succeeds.
func (e Engine) RevokeAPIKey(ctx context.Context, id, revokedBy string) (alreadyMissing bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, domain.ValidationError{Field: "id", Message: "is required"}
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		deleted, err := e.Repo.DeleteAPIKey(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("delete api key: %w", err)
		}
		if !deleted {
			alreadyMissing = true
			return nil
		}
		return e.events().Append(ctx, tx, "apikey.revoked", 0, "api_key", id, revokedBy, events.EventPayload{})
	})
	return alreadyMissing, err
}
