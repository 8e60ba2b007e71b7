// Package models provides data model definitions for the CourseKit core.
package models

// UserProfile is the locally cached snapshot of the authenticated user.
type UserProfile struct {
	ID          UUID   `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"` // student, instructor, admin
	Language    string `json:"language,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// TableName returns the store collection for UserProfile.
func (UserProfile) TableName() string {
	return "user_data"
}
