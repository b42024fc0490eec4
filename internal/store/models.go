package store

import "time"

// Owner is a demo author. Owners sign in with email and password; anonymous
// viewers never have a row here.
type Owner struct {
	ID                    string
	DisplayName           string
	Email                 string
	Company               string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CRMSyncedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
