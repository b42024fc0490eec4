// Package export renders a demo walkthrough as a PDF.
package export

import (
	"context"
	"errors"

	"demoreel/api/internal/demo"
)

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrNoSteps is returned for a demo without captured steps.
	ErrNoSteps = errors.New("demo has no steps to export")
	// ErrPDFDependencyMissing indicates no Chrome or Chromium binary is installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

// ItemSource loads a demo with its steps.
type ItemSource interface {
	ListItems(ctx context.Context, demoID string) (demo.Items, error)
}

// URLSigner turns a stored screenshot key into a URL Chrome can fetch.
type URLSigner interface {
	GetURL(ctx context.Context, key string) (string, error)
}

// Renderer converts a full HTML page to PDF bytes.
type Renderer func(ctx context.Context, html string) ([]byte, error)
