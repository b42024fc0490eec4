package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ownerColumns lists the owner columns in scanOwner order, qualified with
// alias when it is not empty.
func ownerColumns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	return fmt.Sprintf(`%[1]sid, %[1]sdisplay_name, %[1]semail, %[1]scompany, %[1]spassword_hash, %[1]srole,
		%[1]sis_email_verified, COALESCE(%[1]sverification_token, ''), %[1]sverification_expires_at,
		%[1]scrm_synced_at, %[1]screated_at, %[1]supdated_at`, p)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOwner(row rowScanner) (Owner, error) {
	var owner Owner
	var verificationExpires, crmSynced sql.NullTime
	err := row.Scan(
		&owner.ID,
		&owner.DisplayName,
		&owner.Email,
		&owner.Company,
		&owner.PasswordHash,
		&owner.Role,
		&owner.IsEmailVerified,
		&owner.VerificationToken,
		&verificationExpires,
		&crmSynced,
		&owner.CreatedAt,
		&owner.UpdatedAt,
	)
	if err != nil {
		return Owner{}, err
	}
	if verificationExpires.Valid {
		owner.VerificationExpiresAt = &verificationExpires.Time
	}
	if crmSynced.Valid {
		owner.CRMSyncedAt = &crmSynced.Time
	}
	if owner.Role == "" {
		owner.Role = "owner"
	}
	return owner, nil
}

func (s *PostgresStore) GetOwnerByID(ctx context.Context, ownerID string) (Owner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ownerColumns("")+` FROM owners WHERE id=$1`, ownerID)
	return scanOwner(row)
}

func (s *PostgresStore) GetOwnerByEmail(ctx context.Context, email string) (Owner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ownerColumns("")+` FROM owners WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email))
	return scanOwner(row)
}

func (s *PostgresStore) CreateOwner(ctx context.Context, owner Owner) error {
	role := owner.Role
	if role == "" {
		role = "owner"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (id, display_name, email, company, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`, owner.ID, owner.DisplayName, strings.TrimSpace(owner.Email), owner.Company, owner.PasswordHash, role, owner.IsEmailVerified, owner.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateVerificationToken(ctx context.Context, ownerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE owners SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, ownerID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

// VerifyOwnerEmail consumes a verification token and returns the owner it
// belonged to. Expired or unknown tokens return sql.ErrNoRows.
func (s *PostgresStore) VerifyOwnerEmail(ctx context.Context, token string) (Owner, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE owners
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
		RETURNING `+ownerColumns(""), token)
	return scanOwner(row)
}

func (s *PostgresStore) UpdateOwnerPassword(ctx context.Context, ownerID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE owners SET password_hash=$2, updated_at=NOW() WHERE id=$1`, ownerID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkCRMSynced(ctx context.Context, ownerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE owners SET crm_synced_at=$2 WHERE id=$1`, ownerID, at)
	if err != nil {
		return fmt.Errorf("mark crm synced: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, ownerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, owner_id, expires_at) VALUES ($1, $2, $3)
	`, token, ownerID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

// GetPasswordReset returns the owner id for an unused, unexpired reset
// token.
func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&ownerID)
	if err != nil {
		return "", err
	}
	return ownerID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, ownerID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, owner_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET owner_id=EXCLUDED.owner_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, ownerID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Owner, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ownerColumns("o")+`
		FROM refresh_sessions rs
		JOIN owners o ON o.id = rs.owner_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	owner, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, fmt.Errorf("refresh session not found: %w", err)
	}
	return owner, err
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
