// Package authpw provides owner sign-up, sign-in, email verification and
// password reset on top of bcrypt.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"demoreel/api/internal/store"
	"demoreel/api/internal/util"
)

const (
	minPasswordLength = 8
	verificationTTL   = 24 * time.Hour
	resetTTL          = time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// ValidationError names the input field that was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// OwnerStore is the persistence the service needs. store.PostgresStore
// satisfies it.
type OwnerStore interface {
	GetOwnerByEmail(ctx context.Context, email string) (store.Owner, error)
	GetOwnerByID(ctx context.Context, id string) (store.Owner, error)
	CreateOwner(ctx context.Context, owner store.Owner) error
	UpdateVerificationToken(ctx context.Context, ownerID, token string, expiresAt time.Time) error
	VerifyOwnerEmail(ctx context.Context, token string) (store.Owner, error)
	UpdateOwnerPassword(ctx context.Context, ownerID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, ownerID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

type Service struct {
	store  OwnerStore
	now    func() time.Time
	cost   int
	logger *slog.Logger
}

type Option func(*Service)

// WithClock overrides time.Now for token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(store OwnerStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		cost:   bcrypt.DefaultCost,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
	Company     string
}

type SignUpResponse struct {
	Owner             store.Owner
	VerificationToken string
}

// SignUp creates an unverified owner and returns the token to mail out.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		return nil, &ValidationError{Field: "displayName", Message: "is required"}
	}
	if err := checkPassword(req.Password); err != nil {
		return nil, err
	}

	if _, err := s.store.GetOwnerByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	owner := store.Owner{
		ID:                util.NewID(),
		DisplayName:       displayName,
		Email:             email,
		Company:           strings.TrimSpace(req.Company),
		PasswordHash:      string(hash),
		Role:              "owner",
		VerificationToken: util.NewToken("verify"),
	}
	if err := s.store.CreateOwner(ctx, owner); err != nil {
		return nil, fmt.Errorf("create owner: %w", err)
	}

	expiresAt := s.now().Add(verificationTTL)
	if err := s.store.UpdateVerificationToken(ctx, owner.ID, owner.VerificationToken, expiresAt); err != nil {
		return nil, fmt.Errorf("set verification expiry: %w", err)
	}
	owner.VerificationExpiresAt = &expiresAt

	return &SignUpResponse{Owner: owner, VerificationToken: owner.VerificationToken}, nil
}

type SignInResponse struct {
	Owner          store.Owner
	RequiresVerify bool
}

// SignIn checks the password first, so an unverified account never reveals
// itself to a caller that does not know the password.
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResponse, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	owner, err := s.store.GetOwnerByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(owner.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &SignInResponse{Owner: owner, RequiresVerify: !owner.IsEmailVerified}, nil
}

// VerifyEmail consumes a verification token and returns the now verified
// owner.
func (s *Service) VerifyEmail(ctx context.Context, token string) (store.Owner, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.Owner{}, &ValidationError{Field: "token", Message: "is required"}
	}
	owner, err := s.store.VerifyOwnerEmail(ctx, token)
	if err != nil {
		return store.Owner{}, ErrInvalidToken
	}
	return owner, nil
}

// RequestPasswordReset returns a reset token for a known email. For an
// unknown email it returns an empty token and no error.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, store.Owner, error) {
	owner, err := s.store.GetOwnerByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return "", store.Owner{}, nil
	}

	token := util.NewToken("reset")
	if err := s.store.CreatePasswordReset(ctx, owner.ID, token, s.now().Add(resetTTL)); err != nil {
		return "", store.Owner{}, fmt.Errorf("create password reset: %w", err)
	}
	return token, owner, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" {
		return &ValidationError{Field: "token", Message: "is required"}
	}
	if err := checkPassword(newPassword); err != nil {
		return err
	}

	ownerID, err := s.store.GetPasswordReset(ctx, token)
	if err != nil {
		return ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateOwnerPassword(ctx, ownerID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := s.store.MarkPasswordResetUsed(ctx, token); err != nil {
		s.logger.Warn("password reset not marked used", "owner_id", ownerID, "error", err)
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", &ValidationError{Field: "email", Message: "is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &ValidationError{Field: "email", Message: "is not a valid address"}
	}
	return email, nil
}

func checkPassword(password string) error {
	if len(password) < minPasswordLength {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}
	return nil
}
