package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"demoreel/api/internal/crm"
	"demoreel/api/internal/email"
)

var errWrongUserPool = errors.New("event is from an unexpected user pool")

type contactSyncer interface {
	Enabled() bool
	SyncContact(ctx context.Context, contact crm.Contact) bool
}

type notifier interface {
	IsConfigured() bool
	SendSignupNotification(to string, notice email.SignupNotice) error
}

// Handler reacts to a confirmed Cognito signup. It only ever fails for an
// event from the wrong user pool; CRM and mail problems are logged so the
// confirmation itself goes through.
type Handler struct {
	userPoolID string
	notifyTo   string
	crm        contactSyncer
	mailer     notifier
	logger     *slog.Logger
}

func (h *Handler) Handle(ctx context.Context, event events.CognitoEventUserPoolsPostConfirmation) (events.CognitoEventUserPoolsPostConfirmation, error) {
	if h.userPoolID != "" && event.UserPoolID != h.userPoolID {
		h.logger.Warn("rejected post-confirmation event", "user_pool_id", event.UserPoolID)
		return event, errWrongUserPool
	}

	attrs := event.Request.UserAttributes
	addr := strings.TrimSpace(attrs["email"])
	if addr == "" {
		h.logger.Warn("confirmed user has no email", "user_name", event.UserName)
		return event, nil
	}
	ownerID := attrs["sub"]
	if ownerID == "" {
		ownerID = event.UserName
	}
	displayName := strings.TrimSpace(attrs["name"])
	company := strings.TrimSpace(attrs["custom:company"])

	if h.crm != nil && h.crm.Enabled() {
		first, last := crm.SplitName(displayName)
		ok := h.crm.SyncContact(ctx, crm.Contact{
			Email:     addr,
			FirstName: first,
			LastName:  last,
			Company:   company,
			OwnerID:   ownerID,
			Source:    "signup",
		})
		if !ok {
			h.logger.Warn("crm sync failed", "owner_id", ownerID)
		}
	}

	if h.notifyTo != "" && h.mailer != nil && h.mailer.IsConfigured() {
		err := h.mailer.SendSignupNotification(h.notifyTo, email.SignupNotice{
			OwnerID:     ownerID,
			Email:       addr,
			DisplayName: displayName,
			Company:     company,
			Source:      event.TriggerSource,
		})
		if err != nil {
			h.logger.Error("send signup notification", "owner_id", ownerID, "error", err)
		}
	}

	return event, nil
}
