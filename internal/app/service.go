package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"demoreel/api/internal/auth"
	"demoreel/api/internal/authpw"
	"demoreel/api/internal/config"
	"demoreel/api/internal/crm"
	"demoreel/api/internal/demo"
	"demoreel/api/internal/email"
	"demoreel/api/internal/export"
	"demoreel/api/internal/rbac"
	"demoreel/api/internal/search"
	"demoreel/api/internal/store"
	"demoreel/api/internal/util"
)

type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	OwnerID      string    `json:"ownerId"`
	OwnerName    string    `json:"ownerName"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	JTI          string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type PrivateItems interface {
	GetMetadata(context.Context, string) (demo.Metadata, error)
	CreateMetadata(context.Context, demo.Metadata) error
	UpdateStatus(context.Context, string, demo.Status, time.Time) (demo.Metadata, error)
	UpdateMetadata(context.Context, string, demo.MetadataPatch, time.Time) (demo.Metadata, error)
	ListByOwner(context.Context, string) ([]demo.Metadata, error)
	ListItems(context.Context, string) (demo.Items, error)
	GetStep(context.Context, string, string) (demo.Step, error)
	CreateStep(context.Context, demo.Step) error
	UpdateStep(context.Context, string, string, demo.StepPatch, time.Time) (demo.Step, error)
	DeleteItems(context.Context, string) (int, error)
	GetLeadSettings(context.Context, string) (demo.LeadSettings, error)
	PutLeadSettings(context.Context, demo.LeadSettings) error
}

type MirrorItems interface {
	GetMetadata(context.Context, string) (demo.Metadata, error)
	UpsertMetadata(context.Context, demo.Metadata) error
	UpsertStep(context.Context, demo.Step) error
	ListItems(context.Context, string) (demo.Items, error)
	DeleteItems(context.Context, string) (int, error)
}

type LeadIntake interface {
	PutLead(context.Context, demo.Lead) error
	ListByDemo(context.Context, string) ([]demo.Lead, error)
	ListByDemoAndOwner(context.Context, string, string) ([]demo.Lead, error)
	ListByOwner(context.Context, string) ([]demo.Lead, error)
}

type OwnerStore interface {
	authpw.OwnerStore
	MarkCRMSynced(context.Context, string, time.Time) error
	Ping(context.Context) error
}

type SessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.Owner, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type BlobStore interface {
	UploadData(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	GetURL(ctx context.Context, key string) (string, error)
}

type DemoSearch interface {
	Search(context.Context, search.Query) (search.Response, error)
	IndexDemo(search.DemoRecord)
	DeleteDemo(string)
}

type CRM interface {
	Enabled() bool
	SyncContact(context.Context, crm.Contact) bool
}

type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, ownerName, verificationURL string) error
	SendPasswordResetEmail(to, ownerName, resetURL string) error
	SendLeadNotification(to string, notice email.LeadNotice) error
	SendSignupNotification(to string, notice email.SignupNotice) error
}

type Exporter interface {
	Export(context.Context, string) (*export.Result, error)
}

type Pinger interface {
	Ping(context.Context) error
}

// Deps carries every client the service talks to. Blobs, Search, CRM, Mailer
// and Exporter are optional.
type Deps struct {
	Private  PrivateItems
	Mirror   MirrorItems
	Leads    LeadIntake
	Tables   Pinger
	Owners   OwnerStore
	Sessions SessionStore
	Blobs    BlobStore
	Search   DemoSearch
	CRM      CRM
	Mailer   Mailer
	Exporter Exporter
	Clock    func() time.Time
	Logger   *slog.Logger
}

type Service struct {
	cfg      config.Config
	private  PrivateItems
	mirror   MirrorItems
	leads    LeadIntake
	tables   Pinger
	owners   OwnerStore
	sessions SessionStore
	blobs    BlobStore
	search   DemoSearch
	crm      CRM
	mailer   Mailer
	exporter Exporter
	auth     *authpw.Service
	signer   *auth.Signer
	now      func() time.Time
	logger   *slog.Logger

	// background tracks best-effort work started after a response is decided.
	background sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Service {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		if s, ok := deps.Owners.(SessionStore); ok {
			sessions = s
		}
	}

	s := &Service{
		cfg:      cfg,
		private:  deps.Private,
		mirror:   deps.Mirror,
		leads:    deps.Leads,
		tables:   deps.Tables,
		owners:   deps.Owners,
		sessions: sessions,
		blobs:    deps.Blobs,
		search:   deps.Search,
		crm:      deps.CRM,
		mailer:   deps.Mailer,
		exporter: deps.Exporter,
		signer:   auth.NewSigner([]byte(cfg.JWTSecret)).WithClock(now),
		now:      now,
		logger:   logger,
	}
	if deps.Owners != nil {
		s.auth = authpw.NewService(deps.Owners, authpw.WithClock(now), authpw.WithLogger(logger))
	}
	return s
}

// WithPasswordCost rebuilds the password service with a different bcrypt
// cost. Tests use bcrypt.MinCost.
func (s *Service) WithPasswordCost(cost int) *Service {
	if s.owners != nil {
		s.auth = authpw.NewService(s.owners, authpw.WithClock(s.now), authpw.WithLogger(s.logger), authpw.WithCost(cost))
	}
	return s
}

// Wait blocks until background notifications and CRM syncs finish.
func (s *Service) Wait() {
	s.background.Wait()
}

// goBackground runs fn detached from the request so a client disconnect
// does not cancel it.
func (s *Service) goBackground(ctx context.Context, fn func(context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{}
	if s.tables != nil {
		checks["dynamodb"] = s.tables.Ping(ctx)
	}
	if s.owners != nil {
		checks["database"] = s.owners.Ping(ctx)
	}
	return checks
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) MailConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// PublicKeyValid reports whether key matches the configured viewer API key.
// With no key configured the public routes stay closed.
func (s *Service) PublicKeyValid(key string) bool {
	want := s.cfg.PublicAPIKey
	return want != "" && auth.HashToken(key) == auth.HashToken(want)
}

func (s *Service) requireAuth() error {
	if s.auth == nil || s.sessions == nil {
		return domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, owner store.Owner) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID()

	token, err := s.signer.Issue(auth.Claims{
		Sub:   owner.ID,
		Name:  owner.DisplayName,
		Email: owner.Email,
		Role:  string(rbac.Normalize(owner.Role)),
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken("rft")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), owner.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		OwnerID:      owner.ID,
		OwnerName:    owner.DisplayName,
		Email:        owner.Email,
		Role:         string(rbac.Normalize(owner.Role)),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	if err := s.requireAuth(); err != nil {
		return Session{}, err
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	owner, err := s.owners.GetOwnerByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		OwnerID:   owner.ID,
		OwnerName: owner.DisplayName,
		Email:     owner.Email,
		Role:      string(rbac.Normalize(owner.Role)),
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// Refresh rotates a refresh token. The old token is revoked before the new
// session is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if err := s.requireAuth(); err != nil {
		return Session{}, err
	}
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	owner, err := s.owners.GetOwnerByID(ctx, ref.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, owner)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if s.sessions == nil {
		return nil
	}
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", "owner_id", session.OwnerID, "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", "owner_id", session.OwnerID, "error", err)
		}
	}
	return nil
}

func (s *Service) appURL(path string, query url.Values) string {
	base := strings.TrimRight(s.cfg.PublicAppURL, "/")
	if len(query) == 0 {
		return base + path
	}
	return base + path + "?" + query.Encode()
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	resp, err := s.auth.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.MailConfigured() {
		link := s.appURL("/verify-email", url.Values{"token": {resp.VerificationToken}})
		owner := resp.Owner
		s.goBackground(ctx, func(context.Context) {
			if err := s.mailer.SendVerificationEmail(owner.Email, owner.DisplayName, link); err != nil {
				s.logger.Error("send verification email", "owner_id", owner.ID, "error", err)
			}
		})
	}
	return resp, nil
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	if err := s.requireAuth(); err != nil {
		return Session{}, err
	}
	resp, err := s.auth.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}
	return s.issueSession(ctx, resp.Owner)
}

// VerifyEmail confirms an owner and, in the background, pushes them to the
// CRM and tells the team inbox.
func (s *Service) VerifyEmail(ctx context.Context, token string) (store.Owner, error) {
	if err := s.requireAuth(); err != nil {
		return store.Owner{}, err
	}
	owner, err := s.auth.VerifyEmail(ctx, token)
	if err != nil {
		return store.Owner{}, err
	}
	s.goBackground(ctx, func(ctx context.Context) {
		s.onOwnerConfirmed(ctx, owner)
	})
	return owner, nil
}

func (s *Service) onOwnerConfirmed(ctx context.Context, owner store.Owner) {
	if s.crm != nil && s.crm.Enabled() {
		first, last := crm.SplitName(owner.DisplayName)
		synced := s.crm.SyncContact(ctx, crm.Contact{
			Email:     owner.Email,
			FirstName: first,
			LastName:  last,
			Company:   owner.Company,
			OwnerID:   owner.ID,
			Source:    "signup",
		})
		if synced {
			if err := s.owners.MarkCRMSynced(ctx, owner.ID, s.now()); err != nil {
				s.logger.Warn("mark crm synced", "owner_id", owner.ID, "error", err)
			}
		}
	}

	if s.MailConfigured() && s.cfg.NotificationEmail != "" {
		err := s.mailer.SendSignupNotification(s.cfg.NotificationEmail, email.SignupNotice{
			OwnerID:     owner.ID,
			Email:       owner.Email,
			DisplayName: owner.DisplayName,
			Company:     owner.Company,
			Source:      "email verification",
		})
		if err != nil {
			s.logger.Error("send signup notification", "owner_id", owner.ID, "error", err)
		}
	}
}

// RequestPasswordReset returns the reset token so the HTTP layer can hand it
// back in development. It is empty for unknown addresses.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	if err := s.requireAuth(); err != nil {
		return "", err
	}
	token, owner, err := s.auth.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return "", err
	}
	if token != "" && s.MailConfigured() {
		link := s.appURL("/reset-password", url.Values{"token": {token}})
		s.goBackground(ctx, func(context.Context) {
			if err := s.mailer.SendPasswordResetEmail(owner.Email, owner.DisplayName, link); err != nil {
				s.logger.Error("send password reset email", "owner_id", owner.ID, "error", err)
			}
		})
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if err := s.auth.ResetPassword(ctx, token, newPassword); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	return nil
}
