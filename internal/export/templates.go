package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// pageStep is one walkthrough page.
type pageStep struct {
	Number   int
	PageURL  string
	ImageURL string
	Hotspots []pageHotspot
	IsLead   bool
}

type pageHotspot struct {
	Label   int
	Left    string
	Top     string
	Size    string
	Color   string
	Stroke  string
	StrokeW string
	Tooltip string
}

type walkthroughData struct {
	Name        string
	Status      string
	GeneratedAt time.Time
	Steps       []pageStep
	LeadTitle   string
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

var walkthroughTemplate = template.Must(template.New("walkthrough").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string { return t.UTC().Format("January 2, 2006") },
}).Parse(walkthroughHTML))

func renderWalkthrough(data walkthroughData) (string, error) {
	var buf bytes.Buffer
	if err := walkthroughTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const walkthroughHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Name}}</title>
<style>
  @page { size: Letter landscape; margin: 0.5in; }
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #111827; margin: 0; }
  .cover { page-break-after: always; padding-top: 2.5in; text-align: center; }
  .cover h1 { font-size: 32pt; margin-bottom: 8pt; }
  .meta { color: #6b7280; font-size: 11pt; }
  .step { page-break-after: always; }
  .step:last-child { page-break-after: auto; }
  .step h2 { font-size: 14pt; margin: 0 0 4pt 0; }
  .url { color: #6b7280; font-size: 9pt; word-break: break-all; margin-bottom: 8pt; }
  .shot { position: relative; display: inline-block; max-width: 100%; }
  .shot img { display: block; max-width: 100%; max-height: 5.5in; border: 1px solid #e5e7eb; }
  .dot { position: absolute; transform: translate(-50%, -50%); border-radius: 50%; border-style: solid;
         color: white; font-size: 8pt; font-weight: 600; display: flex; align-items: center; justify-content: center; }
  ol.tips { font-size: 10pt; margin-top: 8pt; }
  .lead { display: inline-block; background: #eef2ff; color: #3730a3; border-radius: 4px; padding: 2pt 6pt; font-size: 9pt; }
</style>
</head>
<body>
  <section class="cover">
    <h1>{{.Name}}</h1>
    <div class="meta">{{len .Steps}} steps &middot; {{.Status}} &middot; exported {{formatDate .GeneratedAt}}</div>
  </section>
  {{range .Steps}}
  <section class="step">
    <h2>Step {{.Number}}{{if .IsLead}} <span class="lead">Lead form{{if $.LeadTitle}}: {{$.LeadTitle}}{{end}}</span>{{end}}</h2>
    {{if .PageURL}}<div class="url">{{.PageURL}}</div>{{end}}
    <div class="shot">
      {{if .ImageURL}}<img src="{{.ImageURL}}" alt="Step {{.Number}}">{{end}}
      {{range .Hotspots}}
      <div class="dot" style="left: {{.Left}}; top: {{.Top}}; width: {{.Size}}; height: {{.Size}}; background: {{.Color}}; border-color: {{.Stroke}}; border-width: {{.StrokeW}};">{{.Label}}</div>
      {{end}}
    </div>
    {{if .Hotspots}}
    <ol class="tips">
      {{range .Hotspots}}{{if .Tooltip}}<li value="{{.Label}}">{{.Tooltip}}</li>{{end}}{{end}}
    </ol>
    {{end}}
  </section>
  {{end}}
</body>
</html>`
