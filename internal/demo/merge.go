package demo

// MergeMetadata overlays incoming onto existing. Empty incoming values keep
// the existing ones so a partial payload cannot blank ownerId or name.
// LeadStepIndex and LeadConfig are the exceptions: they always follow
// incoming, because a cleared lead step or form must reach the mirror.
// Callers pass the effective lead config, never a partial one.
func MergeMetadata(existing, incoming Metadata) Metadata {
	merged := existing
	merged.DemoID = firstNonEmpty(incoming.DemoID, existing.DemoID)
	merged.OwnerID = firstNonEmpty(incoming.OwnerID, existing.OwnerID)
	merged.Name = firstNonEmpty(incoming.Name, existing.Name)
	if incoming.Status != "" {
		merged.Status = incoming.Status
	}
	if !incoming.CreatedAt.IsZero() {
		merged.CreatedAt = incoming.CreatedAt
	}
	if !incoming.UpdatedAt.IsZero() {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	if !incoming.StatusUpdatedAt.IsZero() {
		merged.StatusUpdatedAt = incoming.StatusUpdatedAt
	}
	merged.LeadStepIndex = incoming.LeadStepIndex
	merged.LeadConfig = incoming.LeadConfig
	if incoming.HotspotStyle != nil {
		merged.HotspotStyle = incoming.HotspotStyle
	}
	if incoming.LeadUseGlobal != nil {
		merged.LeadUseGlobal = incoming.LeadUseGlobal
	}
	if incoming.CurrentVersion != 0 {
		merged.CurrentVersion = incoming.CurrentVersion
	}
	return merged
}

// MergeStep overlays incoming onto existing with the same empty-keeps-existing
// rule. A nil Hotspots slice keeps the stored hotspots; an empty non-nil one
// clears them.
func MergeStep(existing, incoming Step) Step {
	merged := existing
	merged.DemoID = firstNonEmpty(incoming.DemoID, existing.DemoID)
	merged.StepID = firstNonEmpty(incoming.StepID, existing.StepID)
	merged.OwnerID = firstNonEmpty(incoming.OwnerID, existing.OwnerID)
	merged.S3Key = firstNonEmpty(incoming.S3Key, existing.S3Key)
	merged.PageURL = firstNonEmpty(incoming.PageURL, existing.PageURL)
	merged.ThumbnailS3Key = firstNonEmpty(incoming.ThumbnailS3Key, existing.ThumbnailS3Key)
	merged.Order = incoming.Order
	if incoming.Hotspots != nil {
		merged.Hotspots = incoming.Hotspots
	}
	if !incoming.CreatedAt.IsZero() {
		merged.CreatedAt = incoming.CreatedAt
	}
	if !incoming.UpdatedAt.IsZero() {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	merged.ImageURL = ""
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
