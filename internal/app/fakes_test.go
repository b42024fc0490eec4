package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"demoreel/api/internal/config"
	"demoreel/api/internal/crm"
	"demoreel/api/internal/demo"
	"demoreel/api/internal/email"
	"demoreel/api/internal/export"
	"demoreel/api/internal/search"
	"demoreel/api/internal/store"
)

type memPrivate struct {
	mu       sync.Mutex
	meta     map[string]demo.Metadata
	steps    map[string]map[string]demo.Step
	settings map[string]demo.LeadSettings

	getStepFn   func(demoID, stepID string) (demo.Step, error)
	listItemsFn func(demoID string) (demo.Items, bool)
}

func newMemPrivate() *memPrivate {
	return &memPrivate{
		meta:     map[string]demo.Metadata{},
		steps:    map[string]map[string]demo.Step{},
		settings: map[string]demo.LeadSettings{},
	}
}

func (m *memPrivate) GetMetadata(_ context.Context, demoID string) (demo.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[demoID]
	if !ok {
		return demo.Metadata{}, demo.ErrNotFound
	}
	return meta, nil
}

func (m *memPrivate) CreateMetadata(_ context.Context, meta demo.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meta[meta.DemoID]; ok {
		return demo.ErrConflict
	}
	m.meta[meta.DemoID] = meta
	return nil
}

func (m *memPrivate) UpdateStatus(_ context.Context, demoID string, status demo.Status, at time.Time) (demo.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[demoID]
	if !ok {
		return demo.Metadata{}, demo.ErrNotFound
	}
	meta.Status = status
	meta.StatusUpdatedAt = at
	meta.UpdatedAt = at
	m.meta[demoID] = meta
	return meta, nil
}

func (m *memPrivate) UpdateMetadata(_ context.Context, demoID string, patch demo.MetadataPatch, at time.Time) (demo.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[demoID]
	if !ok {
		return demo.Metadata{}, demo.ErrNotFound
	}
	meta.UpdatedAt = at
	if patch.Name != nil {
		meta.Name = *patch.Name
	}
	switch {
	case patch.ClearLeadStep:
		meta.LeadStepIndex = nil
	case patch.LeadStepIndex != nil:
		meta.LeadStepIndex = patch.LeadStepIndex
	}
	switch {
	case patch.ClearLeadConfig:
		meta.LeadConfig = nil
	case patch.LeadConfig != nil:
		meta.LeadConfig = patch.LeadConfig
	}
	if patch.HotspotStyle != nil {
		meta.HotspotStyle = patch.HotspotStyle
	}
	if patch.LeadUseGlobal != nil {
		meta.LeadUseGlobal = patch.LeadUseGlobal
	}
	m.meta[demoID] = meta
	return meta, nil
}

func (m *memPrivate) ListByOwner(_ context.Context, ownerID string) ([]demo.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []demo.Metadata
	for _, meta := range m.meta {
		if meta.OwnerID == ownerID {
			out = append(out, meta)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// staleListing makes ListItems answer from fn, the way an eventually
// consistent Query can.
func (m *memPrivate) staleListing(fn func(demoID string) (demo.Items, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listItemsFn = fn
}

func (m *memPrivate) ListItems(_ context.Context, demoID string) (demo.Items, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listItemsFn != nil {
		if items, ok := m.listItemsFn(demoID); ok {
			return items, nil
		}
	}
	var items demo.Items
	if meta, ok := m.meta[demoID]; ok {
		items.Metadata = &meta
	}
	items.Steps = sortedSteps(m.steps[demoID])
	return items, nil
}

func (m *memPrivate) GetStep(_ context.Context, demoID, stepID string) (demo.Step, error) {
	if m.getStepFn != nil {
		return m.getStepFn(demoID, stepID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[demoID][stepID]
	if !ok {
		return demo.Step{}, demo.ErrNotFound
	}
	return step, nil
}

func (m *memPrivate) CreateStep(_ context.Context, step demo.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[step.DemoID] == nil {
		m.steps[step.DemoID] = map[string]demo.Step{}
	}
	if _, ok := m.steps[step.DemoID][step.StepID]; ok {
		return demo.ErrConflict
	}
	m.steps[step.DemoID][step.StepID] = step
	return nil
}

func (m *memPrivate) UpdateStep(_ context.Context, demoID, stepID string, patch demo.StepPatch, at time.Time) (demo.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[demoID][stepID]
	if !ok {
		return demo.Step{}, demo.ErrNotFound
	}
	step.UpdatedAt = at
	if patch.Order != nil {
		step.Order = *patch.Order
	}
	if patch.PageURL != nil {
		step.PageURL = *patch.PageURL
	}
	if patch.ThumbnailS3Key != nil {
		step.ThumbnailS3Key = *patch.ThumbnailS3Key
	}
	if patch.Hotspots != nil {
		step.Hotspots = *patch.Hotspots
	}
	m.steps[demoID][stepID] = step
	return step, nil
}

func (m *memPrivate) DeleteItems(_ context.Context, demoID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.steps[demoID])
	if _, ok := m.meta[demoID]; ok {
		count++
	}
	delete(m.meta, demoID)
	delete(m.steps, demoID)
	return count, nil
}

func (m *memPrivate) GetLeadSettings(_ context.Context, ownerID string) (demo.LeadSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, ok := m.settings[ownerID]
	if !ok {
		return demo.LeadSettings{}, demo.ErrNotFound
	}
	return settings, nil
}

func (m *memPrivate) PutLeadSettings(_ context.Context, settings demo.LeadSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.OwnerID] = settings
	return nil
}

// memMirror merges on existing keys the way the DynamoDB mirror does.
type memMirror struct {
	mu    sync.Mutex
	meta  map[string]demo.Metadata
	steps map[string]map[string]demo.Step

	upsertMetadataFn func(demo.Metadata) error
	upsertStepFn     func(demo.Step) error
}

func newMemMirror() *memMirror {
	return &memMirror{meta: map[string]demo.Metadata{}, steps: map[string]map[string]demo.Step{}}
}

func (m *memMirror) GetMetadata(_ context.Context, demoID string) (demo.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[demoID]
	if !ok {
		return demo.Metadata{}, demo.ErrNotFound
	}
	return meta, nil
}

func (m *memMirror) UpsertMetadata(_ context.Context, meta demo.Metadata) error {
	if m.upsertMetadataFn != nil {
		if err := m.upsertMetadataFn(meta); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.meta[meta.DemoID]; ok {
		meta = demo.MergeMetadata(existing, meta)
	}
	m.meta[meta.DemoID] = meta
	return nil
}

func (m *memMirror) UpsertStep(_ context.Context, step demo.Step) error {
	if m.upsertStepFn != nil {
		if err := m.upsertStepFn(step); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[step.DemoID] == nil {
		m.steps[step.DemoID] = map[string]demo.Step{}
	}
	if existing, ok := m.steps[step.DemoID][step.StepID]; ok {
		step = demo.MergeStep(existing, step)
	}
	step.ImageURL = ""
	m.steps[step.DemoID][step.StepID] = step
	return nil
}

func (m *memMirror) ListItems(_ context.Context, demoID string) (demo.Items, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items demo.Items
	if meta, ok := m.meta[demoID]; ok {
		items.Metadata = &meta
	}
	items.Steps = sortedSteps(m.steps[demoID])
	return items, nil
}

func (m *memMirror) DeleteItems(_ context.Context, demoID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.steps[demoID])
	if _, ok := m.meta[demoID]; ok {
		count++
	}
	delete(m.meta, demoID)
	delete(m.steps, demoID)
	return count, nil
}

func (m *memMirror) count(demoID string) int {
	items, _ := m.ListItems(context.Background(), demoID)
	return items.Count()
}

// memLeads has no delete method on purpose: leads outlive demos.
type memLeads struct {
	mu    sync.Mutex
	leads []demo.Lead

	putFn func(demo.Lead) error
}

func (m *memLeads) PutLead(_ context.Context, lead demo.Lead) error {
	if m.putFn != nil {
		if err := m.putFn(lead); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.leads {
		if existing.DemoID == lead.DemoID && existing.ItemSK == lead.ItemSK {
			return demo.ErrConflict
		}
	}
	m.leads = append(m.leads, lead)
	return nil
}

func (m *memLeads) filter(keep func(demo.Lead) bool) []demo.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []demo.Lead
	for _, lead := range m.leads {
		if keep(lead) {
			out = append(out, lead)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memLeads) ListByDemo(_ context.Context, demoID string) ([]demo.Lead, error) {
	return m.filter(func(l demo.Lead) bool { return l.DemoID == demoID }), nil
}

func (m *memLeads) ListByDemoAndOwner(_ context.Context, demoID, ownerID string) ([]demo.Lead, error) {
	return m.filter(func(l demo.Lead) bool { return l.DemoID == demoID && l.OwnerID == ownerID }), nil
}

func (m *memLeads) ListByOwner(_ context.Context, ownerID string) ([]demo.Lead, error) {
	return m.filter(func(l demo.Lead) bool { return l.OwnerID == ownerID }), nil
}

// fakeOwners covers owner accounts and, like the Postgres store, refresh
// sessions too.
type fakeOwners struct {
	mu       sync.Mutex
	owners   map[string]store.Owner
	resets   map[string]string
	refresh  map[string]string
	revoked  map[string]bool
	synced   map[string]time.Time
	pingErr  error
	createFn func(store.Owner) error
}

func newFakeOwners() *fakeOwners {
	return &fakeOwners{
		owners:  map[string]store.Owner{},
		resets:  map[string]string{},
		refresh: map[string]string{},
		revoked: map[string]bool{},
		synced:  map[string]time.Time{},
	}
}

func (f *fakeOwners) add(owner store.Owner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[owner.ID] = owner
}

func (f *fakeOwners) GetOwnerByEmail(_ context.Context, addr string) (store.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, owner := range f.owners {
		if strings.EqualFold(owner.Email, addr) {
			return owner, nil
		}
	}
	return store.Owner{}, sql.ErrNoRows
}

func (f *fakeOwners) GetOwnerByID(_ context.Context, id string) (store.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[id]
	if !ok {
		return store.Owner{}, sql.ErrNoRows
	}
	return owner, nil
}

func (f *fakeOwners) CreateOwner(_ context.Context, owner store.Owner) error {
	if f.createFn != nil {
		if err := f.createFn(owner); err != nil {
			return err
		}
	}
	f.add(owner)
	return nil
}

func (f *fakeOwners) UpdateVerificationToken(_ context.Context, ownerID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner := f.owners[ownerID]
	owner.VerificationToken = token
	owner.VerificationExpiresAt = &expiresAt
	f.owners[ownerID] = owner
	return nil
}

func (f *fakeOwners) VerifyOwnerEmail(_ context.Context, token string) (store.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, owner := range f.owners {
		if owner.VerificationToken != "" && owner.VerificationToken == token {
			owner.IsEmailVerified = true
			owner.VerificationToken = ""
			f.owners[id] = owner
			return owner, nil
		}
	}
	return store.Owner{}, sql.ErrNoRows
}

func (f *fakeOwners) UpdateOwnerPassword(_ context.Context, ownerID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[ownerID]
	if !ok {
		return sql.ErrNoRows
	}
	owner.PasswordHash = hash
	f.owners[ownerID] = owner
	return nil
}

func (f *fakeOwners) CreatePasswordReset(_ context.Context, ownerID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = ownerID
	return nil
}

func (f *fakeOwners) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ownerID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return ownerID, nil
}

func (f *fakeOwners) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

func (f *fakeOwners) MarkCRMSynced(_ context.Context, ownerID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[ownerID] = at
	return nil
}

func (f *fakeOwners) Ping(context.Context) error { return f.pingErr }

func (f *fakeOwners) SaveRefreshSession(_ context.Context, hash, ownerID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = ownerID
	return nil
}

func (f *fakeOwners) LookupRefreshSession(_ context.Context, hash string) (store.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ownerID, ok := f.refresh[hash]
	if !ok {
		return store.Owner{}, sql.ErrNoRows
	}
	return store.Owner{ID: ownerID}, nil
}

func (f *fakeOwners) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeOwners) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeOwners) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	leads      []email.LeadNotice
	leadTo     []string
	signups    []email.SignupNotice
	verifyURLs []string
	resetURLs  []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendVerificationEmail(_, _, verificationURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyURLs = append(f.verifyURLs, verificationURL)
	return nil
}

func (f *fakeMailer) SendPasswordResetEmail(_, _, resetURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetURLs = append(f.resetURLs, resetURL)
	return nil
}

func (f *fakeMailer) SendLeadNotification(to string, notice email.LeadNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leadTo = append(f.leadTo, to)
	f.leads = append(f.leads, notice)
	return nil
}

func (f *fakeMailer) SendSignupNotification(_ string, notice email.SignupNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signups = append(f.signups, notice)
	return nil
}

type fakeCRM struct {
	mu       sync.Mutex
	contacts []crm.Contact
	ok       bool
}

func (f *fakeCRM) Enabled() bool { return true }

func (f *fakeCRM) SyncContact(_ context.Context, contact crm.Contact) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, contact)
	return f.ok
}

type fakeBlobs struct {
	mu       sync.Mutex
	uploaded map[string][]byte
}

func (f *fakeBlobs) UploadData(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploaded == nil {
		f.uploaded = map[string][]byte{}
	}
	f.uploaded[key] = data
	return nil
}

func (f *fakeBlobs) GetURL(_ context.Context, key string) (string, error) {
	return "https://blobs.test/" + key + "?sig=1", nil
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []search.DemoRecord
	deleted  []string
	searchFn func(search.Query) (search.Response, error)
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) (search.Response, error) {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Query: q.Text, Results: []search.Result{}}, nil
}

func (f *fakeSearch) IndexDemo(record search.DemoRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeSearch) DeleteDemo(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeExporter struct {
	exportFn func(demoID string) (*export.Result, error)
}

func (f fakeExporter) Export(_ context.Context, demoID string) (*export.Result, error) {
	return f.exportFn(demoID)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

// stepClock advances one second per call so every write gets a distinct,
// ordered timestamp.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	svc     *Service
	private *memPrivate
	mirror  *memMirror
	leads   *memLeads
	owners  *fakeOwners
	mailer  *fakeMailer
	crm     *fakeCRM
	blobs   *fakeBlobs
	search  *fakeSearch
	clock   *stepClock
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:         "test-secret",
		AccessTTL:         time.Hour,
		RefreshTTL:        24 * time.Hour,
		PublicAPIKey:      "viewer-key",
		PublicAppURL:      "https://app.test",
		NotificationEmail: "team@demoreel.test",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		private: newMemPrivate(),
		mirror:  newMemMirror(),
		leads:   &memLeads{},
		owners:  newFakeOwners(),
		mailer:  &fakeMailer{},
		crm:     &fakeCRM{ok: true},
		blobs:   &fakeBlobs{},
		search:  &fakeSearch{},
		clock:   &stepClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.svc = New(testConfig(), Deps{
		Private: h.private,
		Mirror:  h.mirror,
		Leads:   h.leads,
		Tables:  fakePinger{},
		Owners:  h.owners,
		Blobs:   h.blobs,
		Search:  h.search,
		CRM:     h.crm,
		Mailer:  h.mailer,
		Clock:   h.clock.Now,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).WithPasswordCost(bcrypt.MinCost)
	h.owners.add(store.Owner{ID: "owner-1", DisplayName: "Ada Lovelace", Email: "ada@example.com", Role: "owner", IsEmailVerified: true})
	h.owners.add(store.Owner{ID: "owner-2", DisplayName: "Grace Hopper", Email: "grace@example.com", Role: "owner", IsEmailVerified: true})
	t.Cleanup(h.svc.Wait)
	return h
}

// publishedDemo creates a demo with two steps and publishes it.
func (h *harness) publishedDemo(t *testing.T, ownerID, name string) demo.Metadata {
	t.Helper()
	ctx := context.Background()
	meta, err := h.svc.CreateDemo(ctx, ownerID, name)
	if err != nil {
		t.Fatalf("create demo: %v", err)
	}
	for i, page := range []string{"https://acme.test/app/onboarding", "https://acme.test/app/billing"} {
		_, err := h.svc.CreateDemoStep(ctx, ownerID, meta.DemoID, demo.Step{
			S3Key:   fmt.Sprintf("public/demos/%s/%s/shot-%d.png", ownerID, meta.DemoID, i),
			Order:   i,
			PageURL: page,
			Hotspots: []demo.Hotspot{
				{ID: fmt.Sprintf("h%d", i), XNorm: 0.5, YNorm: 0.5, Width: 0.1, Height: 0.1, Tooltip: "Click here"},
			},
		})
		if err != nil {
			t.Fatalf("create step %d: %v", i, err)
		}
	}
	published, err := h.svc.SetDemoStatus(ctx, ownerID, meta.DemoID, demo.StatusPublished)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return published
}

func sortedSteps(steps map[string]demo.Step) []demo.Step {
	out := make([]demo.Step, 0, len(steps))
	for _, step := range steps {
		out = append(out, step)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func expectDomainStatus(t *testing.T, err error, status int) {
	t.Helper()
	got, code, _, _ := mapError(err)
	if got != status {
		t.Fatalf("expected status %d, got %d (%s): %v", status, got, code, err)
	}
}
