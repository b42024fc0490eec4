package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"demoreel/api/internal/demo"
)

type Service struct {
	items  ItemSource
	urls   URLSigner
	render Renderer
	now    func() time.Time
	logger *slog.Logger
}

// NewService wires the export. urls may be nil, in which case screenshots
// are left out. render defaults to ChromePDF.
func NewService(items ItemSource, urls URLSigner, render Renderer, logger *slog.Logger) *Service {
	if render == nil {
		render = ChromePDF
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{items: items, urls: urls, render: render, now: time.Now, logger: logger}
}

// HTML builds the walkthrough page for a demo's stored items.
func (s *Service) HTML(ctx context.Context, items demo.Items) (string, error) {
	if items.Metadata == nil {
		return "", demo.ErrNotFound
	}
	if len(items.Steps) == 0 {
		return "", ErrNoSteps
	}
	meta := items.Metadata

	data := walkthroughData{
		Name:        meta.Name,
		Status:      string(meta.Status),
		GeneratedAt: s.now(),
	}
	if meta.LeadConfig != nil {
		data.LeadTitle = meta.LeadConfig.Title
	}

	for i, step := range items.Steps {
		ps := pageStep{
			Number:  i + 1,
			PageURL: step.PageURL,
			IsLead:  meta.LeadStepIndex != nil && *meta.LeadStepIndex == i,
		}
		if s.urls != nil && step.S3Key != "" {
			u, err := s.urls.GetURL(ctx, step.S3Key)
			if err != nil {
				s.logger.Warn("export screenshot url failed", "demo_id", meta.DemoID, "step_id", step.StepID, "error", err)
			} else {
				ps.ImageURL = u
			}
		}
		for j, h := range step.Hotspots {
			ps.Hotspots = append(ps.Hotspots, hotspotView(j+1, h, meta.HotspotStyle))
		}
		data.Steps = append(data.Steps, ps)
	}

	html, err := renderWalkthrough(data)
	if err != nil {
		return "", fmt.Errorf("render walkthrough: %w", err)
	}
	return html, nil
}

// hotspotView falls back to the demo's hotspot style, then to fixed
// defaults, for any dot attribute the hotspot leaves empty.
func hotspotView(label int, h demo.Hotspot, style *demo.HotspotStyle) pageHotspot {
	size, color, strokePx, stroke := h.DotSize, h.DotColor, h.DotStrokePx, h.DotStrokeColor
	if style != nil {
		if size == 0 {
			size = style.DotSize
		}
		if color == "" {
			color = style.DotColor
		}
		if strokePx == 0 {
			strokePx = style.DotStrokePx
		}
		if stroke == "" {
			stroke = style.DotStrokeColor
		}
	}
	if size == 0 {
		size = 18
	}
	if color == "" {
		color = "#4f46e5"
	}
	if stroke == "" {
		stroke = "#ffffff"
	}
	if strokePx == 0 {
		strokePx = 2
	}

	return pageHotspot{
		Label:   label,
		Left:    percent(h.XNorm + h.Width/2),
		Top:     percent(h.YNorm + h.Height/2),
		Size:    fmt.Sprintf("%.0fpx", size),
		Color:   color,
		Stroke:  stroke,
		StrokeW: fmt.Sprintf("%.0fpx", strokePx),
		Tooltip: h.Tooltip,
	}
}

// Export loads the demo and prints it. Ownership is the caller's concern.
func (s *Service) Export(ctx context.Context, demoID string) (*Result, error) {
	items, err := s.items.ListItems(ctx, demoID)
	if err != nil {
		return nil, fmt.Errorf("load demo %s: %w", demoID, err)
	}

	html, err := s.HTML(ctx, items)
	if err != nil {
		return nil, err
	}

	data, err := s.render(ctx, html)
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     data,
		Filename: sanitizeFilename(items.Metadata.Name) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}
