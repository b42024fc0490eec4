package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"demoreel/api/internal/config"
	"demoreel/api/internal/crm"
	"demoreel/api/internal/email"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	h := &Handler{
		userPoolID: cfg.UserPoolID,
		notifyTo:   cfg.NotificationEmail,
		crm:        crm.New(cfg.BrevoBaseURL, cfg.BrevoAPIKey, cfg.BrevoListID, crm.WithLogger(logger)),
		mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}, logger),
		logger: logger,
	}

	lambda.Start(h.Handle)
}
