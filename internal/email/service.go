// Package email sends account and lead notification mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"sort"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	logger *slog.Logger
}

func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

const boundary = "demoreel-alt-boundary"

func (s *Service) sendHTML(to []string, subject, text, html string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return errors.New("no recipients")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n\r\n", boundary, text)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n\r\n", boundary, html)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send mail %q: %w", subject, err)
	}
	s.logger.Info("mail sent", "subject", subject, "recipients", len(to))
	return nil
}

func (s *Service) SendVerificationEmail(to, ownerName, verificationURL string) error {
	data := map[string]any{"Name": ownerName, "URL": verificationURL}
	html, err := render("verification", data)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Hi %s,\n\nVerify your Demoreel account: %s\n\nThe link expires in 24 hours.", ownerName, verificationURL)
	return s.sendHTML([]string{to}, "Verify your Demoreel account", text, html)
}

func (s *Service) SendPasswordResetEmail(to, ownerName, resetURL string) error {
	data := map[string]any{"Name": ownerName, "URL": resetURL}
	html, err := render("reset", data)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Hi %s,\n\nReset your Demoreel password: %s\n\nThe link expires in 1 hour.", ownerName, resetURL)
	return s.sendHTML([]string{to}, "Reset your Demoreel password", text, html)
}

// LeadNotice describes a lead captured on one of the recipient's demos.
type LeadNotice struct {
	DemoName     string
	LeadEmail    string
	Fields       map[string]any
	PageURL      string
	CapturedAt   time.Time
	DashboardURL string
}

type fieldLine struct {
	Key   string
	Value string
}

// visibleFields drops snapshot keys and sorts the rest by key.
func (n LeadNotice) visibleFields() []fieldLine {
	lines := make([]fieldLine, 0, len(n.Fields))
	for key, value := range n.Fields {
		if strings.HasPrefix(key, "_") {
			continue
		}
		lines = append(lines, fieldLine{Key: key, Value: fmt.Sprint(value)})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Key < lines[j].Key })
	return lines
}

func (s *Service) SendLeadNotification(to string, notice LeadNotice) error {
	fields := notice.visibleFields()
	html, err := render("lead", map[string]any{
		"Notice":     notice,
		"Fields":     fields,
		"CapturedAt": notice.CapturedAt.UTC().Format("Jan 2, 2006 15:04 MST"),
	})
	if err != nil {
		return err
	}

	var text strings.Builder
	fmt.Fprintf(&text, "New lead on %s\n\n", notice.DemoName)
	if notice.LeadEmail != "" {
		fmt.Fprintf(&text, "Email: %s\n", notice.LeadEmail)
	}
	for _, f := range fields {
		fmt.Fprintf(&text, "%s: %s\n", f.Key, f.Value)
	}
	if notice.DashboardURL != "" {
		fmt.Fprintf(&text, "\nAll leads: %s\n", notice.DashboardURL)
	}

	return s.sendHTML([]string{to}, "New lead: "+notice.DemoName, text.String(), html)
}

// SignupNotice announces a newly confirmed owner to the team inbox.
type SignupNotice struct {
	OwnerID     string
	Email       string
	DisplayName string
	Company     string
	Source      string
}

func (s *Service) SendSignupNotification(to string, notice SignupNotice) error {
	html, err := render("signup", notice)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("New signup (%s)\n\nEmail: %s\nName: %s\nCompany: %s\nID: %s\n",
		notice.Source, notice.Email, notice.DisplayName, notice.Company, notice.OwnerID)
	return s.sendHTML([]string{to}, "New Demoreel signup: "+notice.Email, text, html)
}

var templates = template.Must(template.New("mail").Parse(mailTemplates))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

const mailTemplates = `
{{define "header"}}<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #1f2937; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #4f46e5; color: white; text-decoration: none; border-radius: 6px; margin: 20px 0; }
        .link { word-break: break-all; color: #4f46e5; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #e5e7eb; font-size: 12px; color: #6b7280; }
        td { padding: 4px 12px 4px 0; vertical-align: top; }
    </style>
</head>
<body>
    <h1>Demoreel</h1>
{{end}}

{{define "footer"}}
</body>
</html>{{end}}

{{define "verification"}}{{template "header"}}
    <h2>Welcome, {{.Name}}!</h2>
    <p>Please verify your email address to start publishing demos.</p>
    <p><a href="{{.URL}}" class="button">Verify Email Address</a></p>
    <p class="link">{{.URL}}</p>
    <p>This link will expire in 24 hours.</p>
    <div class="footer"><p>If you didn't create a Demoreel account, you can ignore this email.</p></div>
{{template "footer"}}{{end}}

{{define "reset"}}{{template "header"}}
    <p>Hi {{.Name}},</p>
    <p>We received a request to reset your password.</p>
    <p><a href="{{.URL}}" class="button">Reset Password</a></p>
    <p class="link">{{.URL}}</p>
    <p><strong>This link will expire in 1 hour.</strong></p>
    <div class="footer"><p>If you didn't request a reset, your password stays unchanged.</p></div>
{{template "footer"}}{{end}}

{{define "lead"}}{{template "header"}}
    <h2>New lead on {{.Notice.DemoName}}</h2>
    <table>
        {{if .Notice.LeadEmail}}<tr><td><strong>Email</strong></td><td>{{.Notice.LeadEmail}}</td></tr>{{end}}
        {{range .Fields}}<tr><td><strong>{{.Key}}</strong></td><td>{{.Value}}</td></tr>{{end}}
        {{if .Notice.PageURL}}<tr><td><strong>Page</strong></td><td>{{.Notice.PageURL}}</td></tr>{{end}}
        <tr><td><strong>Captured</strong></td><td>{{.CapturedAt}}</td></tr>
    </table>
    {{if .Notice.DashboardURL}}<p><a href="{{.Notice.DashboardURL}}" class="button">View all leads</a></p>{{end}}
{{template "footer"}}{{end}}

{{define "signup"}}{{template "header"}}
    <h2>New signup</h2>
    <table>
        <tr><td><strong>Email</strong></td><td>{{.Email}}</td></tr>
        <tr><td><strong>Name</strong></td><td>{{.DisplayName}}</td></tr>
        <tr><td><strong>Company</strong></td><td>{{.Company}}</td></tr>
        <tr><td><strong>Owner ID</strong></td><td>{{.OwnerID}}</td></tr>
        <tr><td><strong>Source</strong></td><td>{{.Source}}</td></tr>
    </table>
{{template "footer"}}{{end}}
`
