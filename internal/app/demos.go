package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"demoreel/api/internal/blob"
	"demoreel/api/internal/demo"
	"demoreel/api/internal/export"
	"demoreel/api/internal/search"
	"demoreel/api/internal/util"
)

const maxDemoNameLength = 200

// MirrorOverrides carries editor values that must reach the mirror even if
// the private read that precedes the sync is stale.
type MirrorOverrides struct {
	Name            *string
	LeadStepIndex   *int
	ClearLeadStep   bool
	LeadConfig      *demo.LeadConfig
	ClearLeadConfig bool
	HotspotStyle    *demo.HotspotStyle
	LeadUseGlobal   *bool
}

func overridesFromPatch(patch demo.MetadataPatch) *MirrorOverrides {
	return &MirrorOverrides{
		Name:            patch.Name,
		LeadStepIndex:   patch.LeadStepIndex,
		ClearLeadStep:   patch.ClearLeadStep,
		LeadConfig:      patch.LeadConfig,
		ClearLeadConfig: patch.ClearLeadConfig,
		HotspotStyle:    patch.HotspotStyle,
		LeadUseGlobal:   patch.LeadUseGlobal,
	}
}

func (o *MirrorOverrides) apply(meta *demo.Metadata) {
	if o == nil {
		return
	}
	if o.Name != nil {
		meta.Name = *o.Name
	}
	switch {
	case o.ClearLeadStep:
		meta.LeadStepIndex = nil
	case o.LeadStepIndex != nil:
		meta.LeadStepIndex = o.LeadStepIndex
	}
	if o.ClearLeadConfig {
		meta.LeadConfig = nil
	}
	if o.HotspotStyle != nil {
		meta.HotspotStyle = o.HotspotStyle
	}
	if o.LeadUseGlobal != nil {
		meta.LeadUseGlobal = o.LeadUseGlobal
	}
}

// Asset is an uploaded screenshot.
type Asset struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// ownedMetadata loads the private METADATA and checks that ownerID owns it.
func (s *Service) ownedMetadata(ctx context.Context, ownerID, demoID string) (demo.Metadata, error) {
	meta, err := s.private.GetMetadata(ctx, demoID)
	if err != nil {
		return demo.Metadata{}, err
	}
	if ownerID == "" || meta.OwnerID != ownerID {
		return demo.Metadata{}, forbidden()
	}
	return meta, nil
}

func (s *Service) CreateDemo(ctx context.Context, ownerID, name string) (demo.Metadata, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Untitled demo"
	}
	if len(name) > maxDemoNameLength {
		return demo.Metadata{}, validationError("name", fmt.Sprintf("name must be at most %d characters", maxDemoNameLength))
	}

	now := s.now()
	meta := demo.Metadata{
		DemoID:          util.NewID(),
		OwnerID:         ownerID,
		Name:            name,
		Status:          demo.StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusUpdatedAt: now,
		CurrentVersion:  1,
	}
	if err := s.private.CreateMetadata(ctx, meta); err != nil {
		return demo.Metadata{}, fmt.Errorf("create demo: %w", err)
	}

	s.indexDemo(ctx, meta.DemoID)
	return meta, nil
}

func (s *Service) ListMyDemos(ctx context.Context, ownerID string) ([]demo.Metadata, error) {
	demos, err := s.private.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if demos == nil {
		demos = []demo.Metadata{}
	}
	return demos, nil
}

// GetDemo returns the owner's private copy with presigned screenshot URLs.
func (s *Service) GetDemo(ctx context.Context, ownerID, demoID string) (demo.Items, error) {
	items, err := s.private.ListItems(ctx, demoID)
	if err != nil {
		return demo.Items{}, err
	}
	if items.Metadata == nil {
		return demo.Items{}, demo.ErrNotFound
	}
	if items.Metadata.OwnerID != ownerID {
		return demo.Items{}, forbidden()
	}
	s.attachImageURLs(ctx, items.Steps)
	return items, nil
}

func validatePatch(patch *demo.MetadataPatch) error {
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return validationError("name", "name must not be empty")
		}
		if len(name) > maxDemoNameLength {
			return validationError("name", fmt.Sprintf("name must be at most %d characters", maxDemoNameLength))
		}
		patch.Name = &name
	}
	if patch.LeadStepIndex != nil && *patch.LeadStepIndex < 0 {
		return validationError("leadStepIndex", "leadStepIndex must not be negative")
	}
	if patch.LeadConfig != nil && patch.ClearLeadConfig {
		return validationError("leadConfig", "leadConfig cannot be set and cleared at once")
	}
	if patch.LeadConfig != nil {
		if err := patch.LeadConfig.Validate(); err != nil {
			return validationError("leadConfig", err.Error())
		}
	}
	if patch.HotspotStyle != nil {
		if err := patch.HotspotStyle.Validate(); err != nil {
			return validationError("hotspotStyle", err.Error())
		}
	}
	return nil
}

// UpdateDemo is the editor's Save. A published demo is re-synced to the
// mirror with the patch as overrides.
func (s *Service) UpdateDemo(ctx context.Context, ownerID, demoID string, patch demo.MetadataPatch) (demo.Metadata, error) {
	if err := validatePatch(&patch); err != nil {
		return demo.Metadata{}, err
	}
	if _, err := s.ownedMetadata(ctx, ownerID, demoID); err != nil {
		return demo.Metadata{}, err
	}

	updated, err := s.private.UpdateMetadata(ctx, demoID, patch, s.now())
	if err != nil {
		return demo.Metadata{}, fmt.Errorf("update demo %s: %w", demoID, err)
	}

	if updated.Status == demo.StatusPublished {
		if err := s.MirrorDemoToPublic(ctx, ownerID, demoID, overridesFromPatch(patch)); err != nil {
			s.logger.Error("mirror sync after save failed", "demo_id", demoID, "error", err)
		}
	}

	s.indexDemo(ctx, demoID)
	return updated, nil
}

// CreateDemoStep stores a captured step. Orders are unique per demo.
func (s *Service) CreateDemoStep(ctx context.Context, ownerID, demoID string, step demo.Step) (demo.Step, error) {
	meta, err := s.ownedMetadata(ctx, ownerID, demoID)
	if err != nil {
		return demo.Step{}, err
	}
	if step.Order < 0 {
		return demo.Step{}, validationError("order", "order must not be negative")
	}
	hotspots, err := demo.NormalizeHotspots(step.Hotspots)
	if err != nil {
		return demo.Step{}, validationError("hotspots", err.Error())
	}

	if err := s.checkOrderFree(ctx, demoID, "", step.Order); err != nil {
		return demo.Step{}, err
	}

	now := s.now()
	step.DemoID = demoID
	step.OwnerID = meta.OwnerID
	step.Hotspots = hotspots
	step.StepID = strings.TrimSpace(step.StepID)
	if step.StepID == "" {
		step.StepID = util.NewID()
	}
	step.CreatedAt = now
	step.UpdatedAt = now
	step.ImageURL = ""

	if err := s.private.CreateStep(ctx, step); err != nil {
		return demo.Step{}, fmt.Errorf("create step: %w", err)
	}

	if meta.Status == demo.StatusPublished {
		s.mirrorStep(ctx, step)
	}
	s.indexDemo(ctx, demoID)
	return step, nil
}

func (s *Service) UpdateDemoStep(ctx context.Context, ownerID, demoID, stepID string, patch demo.StepPatch) (demo.Step, error) {
	meta, err := s.ownedMetadata(ctx, ownerID, demoID)
	if err != nil {
		return demo.Step{}, err
	}
	if patch.Order != nil && *patch.Order < 0 {
		return demo.Step{}, validationError("order", "order must not be negative")
	}
	if patch.Hotspots != nil {
		hotspots, err := demo.NormalizeHotspots(*patch.Hotspots)
		if err != nil {
			return demo.Step{}, validationError("hotspots", err.Error())
		}
		patch.Hotspots = &hotspots
	}
	if patch.Order != nil {
		if err := s.checkOrderFree(ctx, demoID, stepID, *patch.Order); err != nil {
			return demo.Step{}, err
		}
	}

	step, err := s.private.UpdateStep(ctx, demoID, stepID, patch, s.now())
	if err != nil {
		return demo.Step{}, fmt.Errorf("update step %s: %w", stepID, err)
	}

	if meta.Status == demo.StatusPublished {
		s.mirrorStep(ctx, step)
	}
	if patch.PageURL != nil {
		s.indexDemo(ctx, demoID)
	}
	return step, nil
}

// checkOrderFree returns a 409 when a step other than stepID already uses
// order.
func (s *Service) checkOrderFree(ctx context.Context, demoID, stepID string, order int) error {
	items, err := s.private.ListItems(ctx, demoID)
	if err != nil {
		return err
	}
	for _, existing := range items.Steps {
		if existing.Order == order && (stepID == "" || existing.StepID != stepID) {
			return domainError(http.StatusConflict, "CONFLICT", "A step with this order already exists",
				map[string]any{"order": order, "stepId": existing.StepID})
		}
	}
	return nil
}

// mirrorStep is createPublicDemoStep for a single edit. Failures are logged;
// the next full sync repairs them.
func (s *Service) mirrorStep(ctx context.Context, step demo.Step) {
	if err := s.mirror.UpsertStep(ctx, step); err != nil {
		s.logger.Error("mirror step failed", "demo_id", step.DemoID, "step_id", step.StepID, "error", err)
	}
}

// SetDemoStatus flips a demo between DRAFT and PUBLISHED. The private update
// always stands; mirror failures are logged and swallowed.
func (s *Service) SetDemoStatus(ctx context.Context, ownerID, demoID string, status demo.Status) (demo.Metadata, error) {
	if _, err := s.ownedMetadata(ctx, ownerID, demoID); err != nil {
		return demo.Metadata{}, err
	}

	updated, err := s.private.UpdateStatus(ctx, demoID, status, s.now())
	if err != nil {
		return demo.Metadata{}, fmt.Errorf("update status of %s: %w", demoID, err)
	}

	switch status {
	case demo.StatusPublished:
		if err := s.MirrorDemoToPublic(ctx, ownerID, demoID, nil); err != nil {
			s.logger.Error("mirror publish failed", "demo_id", demoID, "error", err)
		}
	case demo.StatusDraft:
		if _, err := s.mirror.DeleteItems(ctx, demoID); err != nil {
			s.logger.Error("mirror teardown failed", "demo_id", demoID, "error", err)
		}
	}

	s.indexDemo(ctx, demoID)
	return updated, nil
}

// MirrorDemoToPublic copies the private demo to the public mirror with
// create-then-merge writes. Every timestamp comes from the private items, so
// running it twice leaves the mirror unchanged.
func (s *Service) MirrorDemoToPublic(ctx context.Context, ownerID, demoID string, overrides *MirrorOverrides) error {
	items, err := s.private.ListItems(ctx, demoID)
	if err != nil {
		return fmt.Errorf("list private items: %w", err)
	}

	// The listing is eventually consistent and may predate a status change
	// made a moment ago, so METADATA is read again like the steps.
	meta, err := s.private.GetMetadata(ctx, demoID)
	switch {
	case err == nil:
	case errors.Is(err, demo.ErrNotFound):
		return demo.ErrNotFound
	case items.Metadata != nil:
		s.logger.Warn("consistent metadata read failed, using listed copy", "demo_id", demoID, "error", err)
		meta = *items.Metadata
	default:
		return fmt.Errorf("read private metadata: %w", err)
	}
	if meta.OwnerID != ownerID {
		return forbidden()
	}

	steps := make([]demo.Step, 0, len(items.Steps))
	for _, listed := range items.Steps {
		fresh, err := s.private.GetStep(ctx, demoID, listed.StepID)
		if err != nil {
			s.logger.Warn("consistent step read failed, using listed copy", "demo_id", demoID, "step_id", listed.StepID, "error", err)
			fresh = listed
		}
		if fresh.OwnerID == "" {
			fresh.OwnerID = meta.OwnerID
		}
		steps = append(steps, fresh)
	}

	overrides.apply(&meta)
	leadConfig, err := s.mirrorLeadConfig(ctx, meta, overrides)
	if err != nil {
		return err
	}
	meta.LeadConfig = leadConfig

	if err := s.mirror.UpsertMetadata(ctx, meta); err != nil {
		return fmt.Errorf("mirror metadata: %w", err)
	}

	var errs []error
	for _, step := range steps {
		if err := s.mirror.UpsertStep(ctx, step); err != nil {
			s.logger.Error("mirror step failed", "demo_id", demoID, "step_id", step.StepID, "error", err)
			errs = append(errs, fmt.Errorf("step %s: %w", step.StepID, err))
		}
	}
	return errors.Join(errs...)
}

// mirrorLeadConfig picks the form published with the demo: the editor's
// override, then the demo's own form, then the owner's global template.
func (s *Service) mirrorLeadConfig(ctx context.Context, meta demo.Metadata, overrides *MirrorOverrides) (*demo.LeadConfig, error) {
	if overrides != nil && overrides.LeadConfig != nil {
		return overrides.LeadConfig, nil
	}
	if meta.LeadConfig != nil {
		return meta.LeadConfig, nil
	}
	if !meta.UsesGlobalLeadConfig() {
		return nil, nil
	}
	settings, err := s.private.GetLeadSettings(ctx, meta.OwnerID)
	if errors.Is(err, demo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lead settings: %w", err)
	}
	return &settings.LeadConfig, nil
}

// DeletePublicMirror removes the published copy. Ownership comes from the
// private METADATA, or from the mirror when the private demo is gone.
func (s *Service) DeletePublicMirror(ctx context.Context, ownerID, demoID string) (int, error) {
	owner, _, _, err := s.resolveDemoOwner(ctx, demoID)
	if err != nil {
		return 0, err
	}
	if owner != ownerID {
		return 0, forbidden()
	}
	deleted, err := s.mirror.DeleteItems(ctx, demoID)
	if err != nil {
		return 0, fmt.Errorf("delete mirror of %s: %w", demoID, err)
	}
	return deleted, nil
}

// DeleteDemo removes every private item of the demo. The mirror and the
// demo's leads are left alone.
func (s *Service) DeleteDemo(ctx context.Context, ownerID, demoID string) (int, error) {
	if _, err := s.ownedMetadata(ctx, ownerID, demoID); err != nil {
		return 0, err
	}
	deleted, err := s.private.DeleteItems(ctx, demoID)
	if err != nil {
		return 0, fmt.Errorf("delete demo %s: %w", demoID, err)
	}
	if s.search != nil {
		s.search.DeleteDemo(demoID)
	}
	s.logger.Info("demo deleted", "demo_id", demoID, "owner_id", ownerID, "items", deleted)
	return deleted, nil
}

// ListPublicDemoItems is the anonymous viewer read. Drafts look missing.
func (s *Service) ListPublicDemoItems(ctx context.Context, demoID string) (demo.Items, error) {
	items, err := s.mirror.ListItems(ctx, demoID)
	if err != nil {
		return demo.Items{}, err
	}
	if items.Metadata == nil || items.Metadata.Status != demo.StatusPublished {
		return demo.Items{}, demo.ErrNotFound
	}
	if items.Steps == nil {
		items.Steps = []demo.Step{}
	}
	s.attachImageURLs(ctx, items.Steps)
	return items, nil
}

func (s *Service) attachImageURLs(ctx context.Context, steps []demo.Step) {
	if s.blobs == nil {
		return
	}
	for i := range steps {
		if steps[i].S3Key == "" {
			continue
		}
		u, err := s.blobs.GetURL(ctx, steps[i].S3Key)
		if err != nil {
			s.logger.Warn("presign screenshot", "demo_id", steps[i].DemoID, "key", steps[i].S3Key, "error", err)
			continue
		}
		steps[i].ImageURL = u
	}
}

// UploadStepAsset stores a screenshot under the owner's prefix and returns
// its key and a presigned URL.
func (s *Service) UploadStepAsset(ctx context.Context, ownerID, demoID, contentType string, body io.Reader, size int64) (Asset, error) {
	if s.blobs == nil {
		return Asset{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Screenshot storage is not configured", nil)
	}
	if _, err := s.ownedMetadata(ctx, ownerID, demoID); err != nil {
		return Asset{}, err
	}
	ext, ok := blob.ExtensionFor(contentType)
	if !ok {
		return Asset{}, validationError("contentType", "screenshots must be png, jpeg or webp")
	}
	if size <= 0 {
		return Asset{}, validationError("body", "screenshot is empty")
	}

	key := blob.Key(ownerID, demoID, util.NewID()+ext)
	if err := s.blobs.UploadData(ctx, key, body, size, contentType); err != nil {
		return Asset{}, fmt.Errorf("upload screenshot: %w", err)
	}
	u, err := s.blobs.GetURL(ctx, key)
	if err != nil {
		return Asset{}, fmt.Errorf("presign screenshot: %w", err)
	}
	return Asset{Key: key, URL: u}, nil
}

func (s *Service) SearchMyDemos(ctx context.Context, ownerID string, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	q.OwnerID = ownerID
	return s.search.Search(ctx, q)
}

func (s *Service) ExportDemoPDF(ctx context.Context, ownerID, demoID string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if _, err := s.ownedMetadata(ctx, ownerID, demoID); err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, demoID)
	if err != nil {
		switch {
		case errors.Is(err, export.ErrNoSteps):
			return nil, domainError(http.StatusUnprocessableEntity, "NO_STEPS", "Demo has no steps to export", nil)
		case errors.Is(err, export.ErrPDFDependencyMissing):
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF renderer is not installed", nil)
		}
		return nil, err
	}
	return result, nil
}

// indexDemo refreshes the search record in the background.
func (s *Service) indexDemo(ctx context.Context, demoID string) {
	if s.search == nil {
		return
	}
	s.goBackground(ctx, func(ctx context.Context) {
		items, err := s.private.ListItems(ctx, demoID)
		if err != nil || items.Metadata == nil {
			if err != nil {
				s.logger.Warn("load demo for indexing", "demo_id", demoID, "error", err)
			}
			return
		}
		s.search.IndexDemo(search.NewDemoRecord(*items.Metadata, items.Steps))
	})
}

// ReindexOwner rebuilds the search records of every demo ownerID has.
func (s *Service) ReindexOwner(ctx context.Context, ownerID string) ([]search.DemoRecord, error) {
	demos, err := s.private.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	records := make([]search.DemoRecord, 0, len(demos))
	for _, meta := range demos {
		items, err := s.private.ListItems(ctx, meta.DemoID)
		if err != nil {
			return nil, fmt.Errorf("load demo %s: %w", meta.DemoID, err)
		}
		records = append(records, search.NewDemoRecord(meta, items.Steps))
	}
	return records, nil
}
