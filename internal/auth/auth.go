// Package auth persists the remote session between runs. The token is
// encrypted at rest with a machine-derived key so the database file alone
// does not leak it.
package auth

import (
	"context"
	"os"
	"time"

	"github.com/coursekit/coursekit/internal/crypto"
	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/models"
)

const credentialKey = "credential"

// Store reads and writes the single stored credential.
type Store struct {
	store     *db.Store
	machineID string
}

// NewStore creates a Store. The hostname seeds the at-rest encryption key.
func NewStore(store *db.Store) *Store {
	machineID, _ := os.Hostname()
	return &Store{store: store, machineID: machineID}
}

// Save encrypts and persists the session.
func (s *Store) Save(ctx context.Context, userID, baseURL, token string) error {
	encrypted, err := crypto.EncryptToken(token, s.machineID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encrypt token", err)
	}
	cred := &models.Credential{
		UserID:         userID,
		BaseURL:        baseURL,
		TokenEncrypted: encrypted,
		UpdatedAt:      time.Now().Unix(),
	}
	return s.store.Put(ctx, db.CollectionUserData, credentialKey, cred)
}

// Load returns the stored credential and the decrypted token. A missing
// credential surfaces as NOT_FOUND.
func (s *Store) Load(ctx context.Context) (*models.Credential, string, error) {
	var cred models.Credential
	if err := s.store.Get(ctx, db.CollectionUserData, credentialKey, &cred); err != nil {
		return nil, "", err
	}
	token, err := crypto.DecryptToken(cred.TokenEncrypted, s.machineID)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrAuthFailed, "failed to decrypt stored token", err)
	}
	return &cred, token, nil
}

// Clear removes the stored credential.
func (s *Store) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, db.CollectionUserData, credentialKey)
}
