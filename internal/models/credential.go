package models

import "time"

// Credential holds the remote session the core authenticates with.
// TokenEncrypted is never exposed in JSON responses.
type Credential struct {
	UserID         string `db:"user_id" json:"user_id"`
	BaseURL        string `db:"base_url" json:"base_url"`
	TokenEncrypted string `db:"token_encrypted" json:"-"` // Never expose
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *Credential) UpdatedAtTime() time.Time {
	return time.Unix(c.UpdatedAt, 0)
}
