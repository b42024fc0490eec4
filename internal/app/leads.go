package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"demoreel/api/internal/demo"
	"demoreel/api/internal/email"
)

// LeadInput is what a viewer submits from the lead form.
type LeadInput struct {
	Email     string         `json:"email"`
	Fields    map[string]any `json:"fields"`
	PageURL   string         `json:"pageUrl"`
	StepIndex *int           `json:"stepIndex"`
	Source    string         `json:"source"`
	UserAgent string         `json:"-"`
	Referrer  string         `json:"-"`
}

type SmartLeads struct {
	Leads         []demo.Lead `json:"leads"`
	IsDemoDeleted bool        `json:"isDemoDeleted"`
	DemoName      string      `json:"demoName"`
}

// effectiveLeadConfig is the form a viewer of meta is shown.
func (s *Service) effectiveLeadConfig(ctx context.Context, meta demo.Metadata) demo.LeadConfig {
	if meta.LeadConfig != nil {
		return *meta.LeadConfig
	}
	if meta.UsesGlobalLeadConfig() {
		settings, err := s.private.GetLeadSettings(ctx, meta.OwnerID)
		if err == nil {
			return settings.LeadConfig
		}
		if !errors.Is(err, demo.ErrNotFound) {
			s.logger.Warn("load lead settings", "owner_id", meta.OwnerID, "error", err)
		}
	}
	return demo.DefaultLeadConfig()
}

// SubmitLead records a viewer's lead on a published demo and notifies the
// owner in the background.
func (s *Service) SubmitLead(ctx context.Context, demoID string, input LeadInput) (demo.Lead, error) {
	meta, err := s.mirror.GetMetadata(ctx, demoID)
	if err != nil {
		return demo.Lead{}, err
	}
	if meta.Status != demo.StatusPublished {
		return demo.Lead{}, demo.ErrNotFound
	}

	fields := make(map[string]any, len(input.Fields)+2)
	for key, value := range input.Fields {
		if strings.HasPrefix(key, "_") {
			continue
		}
		fields[key] = value
	}

	form := s.effectiveLeadConfig(ctx, meta)
	if problems := form.CheckSubmission(fields); problems != nil {
		return demo.Lead{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Lead form is invalid", problems)
	}

	addr := strings.TrimSpace(input.Email)
	if addr == "" {
		addr = form.EmailValue(fields)
	}
	if err := (demo.FieldSpec{Kind: demo.FieldEmail, Key: "email"}).CheckValue(addr); err != nil {
		return demo.Lead{}, validationError("email", err.Error())
	}

	name := meta.Name
	if strings.TrimSpace(name) == "" {
		name = demo.FallbackName(demoID)
	}
	fields[demo.DemoNameField] = name
	fields[demo.DemoIDField] = demoID

	source := strings.TrimSpace(input.Source)
	if source == "" {
		source = demo.DefaultSource
	}

	now := s.now()
	lead := demo.Lead{
		DemoID:    demoID,
		ItemSK:    demo.LeadSK(now),
		OwnerID:   meta.OwnerID,
		Email:     addr,
		Fields:    fields,
		PageURL:   strings.TrimSpace(input.PageURL),
		StepIndex: input.StepIndex,
		Source:    source,
		UserAgent: input.UserAgent,
		Referrer:  input.Referrer,
		CreatedAt: now,
	}

	err = s.leads.PutLead(ctx, lead)
	if errors.Is(err, demo.ErrConflict) {
		// Two submissions in the same millisecond share a key.
		lead.CreatedAt = lead.CreatedAt.Add(time.Millisecond)
		lead.ItemSK = demo.LeadSK(lead.CreatedAt)
		err = s.leads.PutLead(ctx, lead)
	}
	if err != nil {
		return demo.Lead{}, fmt.Errorf("store lead: %w", err)
	}

	s.notifyLead(ctx, name, lead)
	return lead, nil
}

func (s *Service) notifyLead(ctx context.Context, demoName string, lead demo.Lead) {
	if !s.MailConfigured() || s.owners == nil {
		return
	}
	s.goBackground(ctx, func(ctx context.Context) {
		owner, err := s.owners.GetOwnerByID(ctx, lead.OwnerID)
		if err != nil {
			s.logger.Warn("lead notification owner lookup", "owner_id", lead.OwnerID, "error", err)
			return
		}
		err = s.mailer.SendLeadNotification(owner.Email, email.LeadNotice{
			DemoName:     demoName,
			LeadEmail:    lead.Email,
			Fields:       lead.Fields,
			PageURL:      lead.PageURL,
			CapturedAt:   lead.CreatedAt,
			DashboardURL: s.appURL("/leads", url.Values{"demoId": {lead.DemoID}}),
		})
		if err != nil {
			s.logger.Error("send lead notification", "demo_id", lead.DemoID, "error", err)
		}
	})
}

// resolveDemoOwner finds who owns demoID from the private METADATA, then from
// the mirror. live is false when only the mirror still knows the demo.
func (s *Service) resolveDemoOwner(ctx context.Context, demoID string) (ownerID, name string, live bool, err error) {
	meta, err := s.private.GetMetadata(ctx, demoID)
	if err == nil {
		return meta.OwnerID, meta.Name, true, nil
	}
	if !errors.Is(err, demo.ErrNotFound) {
		s.logger.Warn("private metadata lookup failed, trying mirror", "demo_id", demoID, "error", err)
	}

	mirrored, mirrorErr := s.mirror.GetMetadata(ctx, demoID)
	if mirrorErr == nil {
		return mirrored.OwnerID, mirrored.Name, false, nil
	}
	if errors.Is(err, demo.ErrNotFound) && errors.Is(mirrorErr, demo.ErrNotFound) {
		return "", "", false, demo.ErrNotFound
	}
	return "", "", false, errors.Join(err, mirrorErr)
}

// ListLeadSubmissions returns the leads of a demo the caller owns, newest
// first.
func (s *Service) ListLeadSubmissions(ctx context.Context, callerID, demoID string) ([]demo.Lead, error) {
	leads, _, _, err := s.listOwnedLeads(ctx, callerID, demoID)
	return leads, err
}

func (s *Service) listOwnedLeads(ctx context.Context, callerID, demoID string) ([]demo.Lead, string, bool, error) {
	ownerID, name, live, err := s.resolveDemoOwner(ctx, demoID)
	if err != nil && !errors.Is(err, demo.ErrNotFound) {
		s.logger.Warn("demo owner unresolved", "demo_id", demoID, "error", err)
	}
	if ownerID == "" || ownerID != callerID {
		return nil, "", false, forbidden()
	}

	leads, err := s.leads.ListByDemo(ctx, demoID)
	if err != nil {
		return nil, "", false, fmt.Errorf("list leads for %s: %w", demoID, err)
	}
	return nonNilLeads(leads), name, live, nil
}

// ListLeadSubmissionsSmartly falls back to the caller's own leads when the
// demo can no longer prove ownership, which is the case after deletion.
func (s *Service) ListLeadSubmissionsSmartly(ctx context.Context, callerID, demoID string) (SmartLeads, error) {
	leads, name, live, err := s.listOwnedLeads(ctx, callerID, demoID)
	if err == nil {
		if live {
			return SmartLeads{Leads: leads, DemoName: name}, nil
		}
		if strings.TrimSpace(name) == "" || demo.IsFallbackName(name) {
			name = demo.BestNameFromLeads(leads, demoID)
		}
		return SmartLeads{Leads: leads, IsDemoDeleted: true, DemoName: name}, nil
	}
	if !isAccessDenied(err) {
		return SmartLeads{}, err
	}

	recovered, fallbackErr := s.GetLeadsForDeletedDemo(ctx, callerID, demoID)
	if fallbackErr != nil {
		s.logger.Warn("deleted demo lead lookup failed", "demo_id", demoID, "error", fallbackErr)
		return SmartLeads{}, err
	}
	if len(recovered) == 0 {
		return SmartLeads{}, err
	}
	return SmartLeads{
		Leads:         recovered,
		IsDemoDeleted: true,
		DemoName:      demo.BestNameFromLeads(recovered, demoID),
	}, nil
}

// GetLeadsForDeletedDemo reads leads recorded for callerID on demoID without
// needing the demo itself.
func (s *Service) GetLeadsForDeletedDemo(ctx context.Context, callerID, demoID string) ([]demo.Lead, error) {
	if callerID == "" {
		return nil, forbidden()
	}
	leads, err := s.leads.ListByDemoAndOwner(ctx, demoID, callerID)
	if err != nil {
		return nil, err
	}
	return nonNilLeads(leads), nil
}

func (s *Service) ListAllMyLeads(ctx context.Context, ownerID string) ([]demo.Lead, error) {
	leads, err := s.leads.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return nonNilLeads(leads), nil
}

// GetLeadSettings returns the owner's global template, or the default form
// when none was saved yet.
func (s *Service) GetLeadSettings(ctx context.Context, ownerID string) (demo.LeadSettings, error) {
	settings, err := s.private.GetLeadSettings(ctx, ownerID)
	if errors.Is(err, demo.ErrNotFound) {
		return demo.LeadSettings{OwnerID: ownerID, LeadConfig: demo.DefaultLeadConfig()}, nil
	}
	if err != nil {
		return demo.LeadSettings{}, err
	}
	return settings, nil
}

func (s *Service) SaveLeadSettings(ctx context.Context, ownerID string, cfg demo.LeadConfig) (demo.LeadSettings, error) {
	if err := cfg.Validate(); err != nil {
		return demo.LeadSettings{}, validationError("leadConfig", err.Error())
	}
	if cfg.Fields == nil {
		cfg.Fields = []demo.FieldSpec{}
	}
	settings := demo.LeadSettings{OwnerID: ownerID, LeadConfig: cfg, UpdatedAt: s.now()}
	if err := s.private.PutLeadSettings(ctx, settings); err != nil {
		return demo.LeadSettings{}, fmt.Errorf("save lead settings: %w", err)
	}
	return settings, nil
}

func nonNilLeads(leads []demo.Lead) []demo.Lead {
	if leads == nil {
		return []demo.Lead{}
	}
	return leads
}
