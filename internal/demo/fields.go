package demo

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldEmail    FieldKind = "email"
	FieldTel      FieldKind = "tel"
	FieldTextarea FieldKind = "textarea"
	FieldNumber   FieldKind = "number"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// FieldSpec describes one input of a lead-capture form.
type FieldSpec struct {
	Kind        FieldKind `json:"kind"`
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Required    bool      `json:"required"`
	Placeholder string    `json:"placeholder,omitempty"`
}

func (f FieldSpec) Validate() error {
	switch f.Kind {
	case FieldText, FieldEmail, FieldTel, FieldTextarea, FieldNumber:
	default:
		return fmt.Errorf("field %q has unsupported kind %q", f.Key, f.Kind)
	}
	if strings.TrimSpace(f.Key) == "" {
		return fmt.Errorf("field key is required")
	}
	if strings.HasPrefix(f.Key, "_") {
		return fmt.Errorf("field key %q is reserved", f.Key)
	}
	return nil
}

// CheckValue validates a submitted value against the field. A nil or blank
// value is only rejected when the field is required.
func (f FieldSpec) CheckValue(value any) error {
	text, present := stringValue(value)
	if !present {
		if f.Required {
			return fmt.Errorf("%s is required", f.displayName())
		}
		return nil
	}
	switch f.Kind {
	case FieldEmail:
		if !emailPattern.MatchString(text) {
			return fmt.Errorf("%s must be a valid email address", f.displayName())
		}
	case FieldNumber:
		if _, err := strconv.ParseFloat(text, 64); err != nil {
			return fmt.Errorf("%s must be a number", f.displayName())
		}
	}
	return nil
}

func (f FieldSpec) displayName() string {
	if strings.TrimSpace(f.Label) != "" {
		return f.Label
	}
	return f.Key
}

func stringValue(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		trimmed := strings.TrimSpace(v)
		return trimmed, trimmed != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return fmt.Sprint(v), true
	}
}

// LeadConfig is the lead-capture form shown at a demo's lead step.
type LeadConfig struct {
	Title          string      `json:"title,omitempty"`
	Description    string      `json:"description,omitempty"`
	SubmitLabel    string      `json:"submitLabel,omitempty"`
	SuccessMessage string      `json:"successMessage,omitempty"`
	Fields         []FieldSpec `json:"fields"`
}

func (c LeadConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Fields))
	for _, field := range c.Fields {
		if err := field.Validate(); err != nil {
			return err
		}
		if _, dup := seen[field.Key]; dup {
			return fmt.Errorf("duplicate field key %q", field.Key)
		}
		seen[field.Key] = struct{}{}
	}
	return nil
}

// CheckSubmission returns one message per offending field key.
func (c LeadConfig) CheckSubmission(values map[string]any) map[string]string {
	problems := map[string]string{}
	for _, field := range c.Fields {
		if err := field.CheckValue(values[field.Key]); err != nil {
			problems[field.Key] = err.Error()
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// EmailValue returns the first non-empty value of an email-kind field.
func (c LeadConfig) EmailValue(values map[string]any) string {
	for _, field := range c.Fields {
		if field.Kind != FieldEmail {
			continue
		}
		if text, ok := stringValue(values[field.Key]); ok {
			return text
		}
	}
	return ""
}

// DefaultLeadConfig is used when a demo has a lead step but neither its own
// form nor a global template.
func DefaultLeadConfig() LeadConfig {
	return LeadConfig{
		Title:       "Want to see more?",
		SubmitLabel: "Submit",
		Fields: []FieldSpec{
			{Kind: FieldEmail, Key: "email", Label: "Work email", Required: true, Placeholder: "you@company.com"},
		},
	}
}

type Animation string

const (
	AnimationNone    Animation = "none"
	AnimationPulse   Animation = "pulse"
	AnimationBreathe Animation = "breathe"
	AnimationFade    Animation = "fade"
)

func (a Animation) Valid() bool {
	switch a {
	case "", AnimationNone, AnimationPulse, AnimationBreathe, AnimationFade:
		return true
	}
	return false
}

// Hotspot is a clickable marker on a step screenshot. Coordinates are
// normalized to the screenshot size.
type Hotspot struct {
	ID                 string    `json:"id"`
	XNorm              float64   `json:"xNorm"`
	YNorm              float64   `json:"yNorm"`
	Width              float64   `json:"width"`
	Height             float64   `json:"height"`
	Tooltip            string    `json:"tooltip,omitempty"`
	DotSize            float64   `json:"dotSize"`
	DotColor           string    `json:"dotColor"`
	DotStrokePx        float64   `json:"dotStrokePx"`
	DotStrokeColor     string    `json:"dotStrokeColor"`
	Animation          Animation `json:"animation"`
	TooltipOffsetXNorm *float64  `json:"tooltipOffsetXNorm,omitempty"`
	TooltipOffsetYNorm *float64  `json:"tooltipOffsetYNorm,omitempty"`
}

func (h Hotspot) Validate() error {
	if strings.TrimSpace(h.ID) == "" {
		return fmt.Errorf("hotspot id is required")
	}
	bounds := []struct {
		name  string
		value float64
	}{{"xNorm", h.XNorm}, {"yNorm", h.YNorm}, {"width", h.Width}, {"height", h.Height}}
	for _, b := range bounds {
		if b.value < 0 || b.value > 1 {
			return fmt.Errorf("hotspot %s: %s must be between 0 and 1", h.ID, b.name)
		}
	}
	if !h.Animation.Valid() {
		return fmt.Errorf("hotspot %s: unsupported animation %q", h.ID, h.Animation)
	}
	return nil
}

// NormalizeHotspots validates every hotspot and fills in the default
// animation.
func NormalizeHotspots(hotspots []Hotspot) ([]Hotspot, error) {
	out := make([]Hotspot, 0, len(hotspots))
	for _, h := range hotspots {
		if err := h.Validate(); err != nil {
			return nil, err
		}
		if h.Animation == "" {
			h.Animation = AnimationNone
		}
		out = append(out, h)
	}
	return out, nil
}

// HotspotStyle is the default look applied to new hotspots in a demo.
type HotspotStyle struct {
	DotSize        float64   `json:"dotSize"`
	DotColor       string    `json:"dotColor"`
	DotStrokePx    float64   `json:"dotStrokePx"`
	DotStrokeColor string    `json:"dotStrokeColor"`
	Animation      Animation `json:"animation"`
}

func (s HotspotStyle) Validate() error {
	if !s.Animation.Valid() {
		return fmt.Errorf("unsupported animation %q", s.Animation)
	}
	if s.DotSize < 0 || s.DotStrokePx < 0 {
		return fmt.Errorf("dot sizes must not be negative")
	}
	return nil
}
