// Package demo holds the domain types shared by the demo stores, the
// orchestrator and the lead resolution logic.
package demo

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
)

// ParseStatus normalizes a caller supplied status. It returns false for
// anything other than DRAFT or PUBLISHED.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusDraft:
		return StatusDraft, true
	case StatusPublished:
		return StatusPublished, true
	default:
		return "", false
	}
}

var (
	ErrNotFound = errors.New("item not found")
	ErrConflict = errors.New("item already exists")
)

// TimeLayout is the ISO-8601 layout used for every persisted timestamp. The
// fixed millisecond precision keeps stored values lexicographically sortable.
const TimeLayout = "2006-01-02T15:04:05.000Z"

func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(TimeLayout, value); err == nil {
		return parsed
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC()
	}
	return time.Time{}
}

// Metadata is the METADATA item of a demo. The same shape is stored in the
// private table and, once published, in the public mirror.
type Metadata struct {
	DemoID          string        `json:"demoId"`
	OwnerID         string        `json:"ownerId"`
	Name            string        `json:"name"`
	Status          Status        `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	StatusUpdatedAt time.Time     `json:"statusUpdatedAt"`
	LeadStepIndex   *int          `json:"leadStepIndex"`
	LeadConfig      *LeadConfig   `json:"leadConfig,omitempty"`
	HotspotStyle    *HotspotStyle `json:"hotspotStyle,omitempty"`
	LeadUseGlobal   *bool         `json:"leadUseGlobal,omitempty"`
	CurrentVersion  int           `json:"currentVersion,omitempty"`
}

func (m Metadata) UsesGlobalLeadConfig() bool {
	return m.LeadUseGlobal != nil && *m.LeadUseGlobal
}

// MetadataPatch is a partial update of a demo's editable settings. Nil
// fields are left untouched. ClearLeadStep and ClearLeadConfig remove the
// stored value.
type MetadataPatch struct {
	Name            *string
	LeadStepIndex   *int
	ClearLeadStep   bool
	LeadConfig      *LeadConfig
	ClearLeadConfig bool
	HotspotStyle    *HotspotStyle
	LeadUseGlobal   *bool
}

func (p MetadataPatch) Empty() bool {
	return p.Name == nil && p.LeadStepIndex == nil && !p.ClearLeadStep &&
		p.LeadConfig == nil && !p.ClearLeadConfig && p.HotspotStyle == nil && p.LeadUseGlobal == nil
}

// Step is one captured screen of a demo.
type Step struct {
	DemoID         string    `json:"demoId"`
	StepID         string    `json:"stepId"`
	OwnerID        string    `json:"ownerId,omitempty"`
	S3Key          string    `json:"s3Key"`
	Order          int       `json:"order"`
	PageURL        string    `json:"pageUrl"`
	ThumbnailS3Key string    `json:"thumbnailS3Key,omitempty"`
	Hotspots       []Hotspot `json:"hotspots,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	// ImageURL is a presigned read URL attached on the way out. It is never
	// persisted.
	ImageURL string `json:"imageUrl,omitempty"`
}

// StepPatch is a partial update of a step, as produced by hotspot and zoom
// edits in the editor.
type StepPatch struct {
	Order          *int
	PageURL        *string
	ThumbnailS3Key *string
	Hotspots       *[]Hotspot
}

// Items is everything stored under one demo partition.
type Items struct {
	Metadata *Metadata `json:"metadata"`
	Steps    []Step    `json:"steps"`
}

func (i Items) Count() int {
	count := len(i.Steps)
	if i.Metadata != nil {
		count++
	}
	return count
}

// Lead is a single lead-capture submission. Leads outlive the demo they were
// captured on.
type Lead struct {
	DemoID    string         `json:"demoId"`
	ItemSK    string         `json:"itemSK"`
	OwnerID   string         `json:"ownerId"`
	Email     string         `json:"email,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	PageURL   string         `json:"pageUrl,omitempty"`
	StepIndex *int           `json:"stepIndex,omitempty"`
	Source    string         `json:"source"`
	UserAgent string         `json:"userAgent,omitempty"`
	Referrer  string         `json:"referrer,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// LeadSettings is an owner's global lead-form template.
type LeadSettings struct {
	OwnerID    string     `json:"ownerId"`
	LeadConfig LeadConfig `json:"leadConfig"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

const (
	LeadSKPrefix   = "LEAD#"
	DemoNameField  = "_demo_name"
	DemoIDField    = "_demo_id"
	DefaultSource  = "demo-viewer"
	fallbackPrefix = "Demo "
)

func LeadSK(at time.Time) string {
	return LeadSKPrefix + FormatTime(at)
}
