package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"demoreel/api/internal/crm"
	"demoreel/api/internal/email"
)

type fakeCRM struct {
	enabled  bool
	ok       bool
	contacts []crm.Contact
}

func (f *fakeCRM) Enabled() bool { return f.enabled }

func (f *fakeCRM) SyncContact(_ context.Context, contact crm.Contact) bool {
	f.contacts = append(f.contacts, contact)
	return f.ok
}

type fakeNotifier struct {
	configured bool
	err        error
	sent       []email.SignupNotice
	to         []string
}

func (f *fakeNotifier) IsConfigured() bool { return f.configured }

func (f *fakeNotifier) SendSignupNotification(to string, notice email.SignupNotice) error {
	f.to = append(f.to, to)
	f.sent = append(f.sent, notice)
	return f.err
}

func confirmationEvent(pool string) events.CognitoEventUserPoolsPostConfirmation {
	var event events.CognitoEventUserPoolsPostConfirmation
	event.UserPoolID = pool
	event.UserName = "nova"
	event.TriggerSource = "PostConfirmation_ConfirmSignUp"
	event.Request.UserAttributes = map[string]string{
		"sub":            "owner-42",
		"email":          "nova@example.com",
		"name":           "Nova Kim Park",
		"custom:company": "Kim Labs",
	}
	return event
}

func newTestHandler(pool string, c *fakeCRM, n *fakeNotifier) *Handler {
	return &Handler{
		userPoolID: pool,
		notifyTo:   "team@demoreel.test",
		crm:        c,
		mailer:     n,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestHandleSyncsContactAndNotifies(t *testing.T) {
	c := &fakeCRM{enabled: true, ok: true}
	n := &fakeNotifier{configured: true}
	h := newTestHandler("us-east-1_pool", c, n)

	event := confirmationEvent("us-east-1_pool")
	got, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !reflect.DeepEqual(got, event) {
		t.Fatalf("event was modified: %+v", got)
	}

	want := crm.Contact{
		Email:     "nova@example.com",
		FirstName: "Nova",
		LastName:  "Kim Park",
		Company:   "Kim Labs",
		OwnerID:   "owner-42",
		Source:    "signup",
	}
	if len(c.contacts) != 1 || c.contacts[0] != want {
		t.Fatalf("unexpected contacts: %+v", c.contacts)
	}
	if len(n.sent) != 1 || n.to[0] != "team@demoreel.test" {
		t.Fatalf("expected one notification to the team, got %v", n.to)
	}
	if n.sent[0].OwnerID != "owner-42" || n.sent[0].Source != "PostConfirmation_ConfirmSignUp" {
		t.Fatalf("unexpected notice: %+v", n.sent[0])
	}
}

func TestHandleRejectsOtherUserPool(t *testing.T) {
	c := &fakeCRM{enabled: true, ok: true}
	n := &fakeNotifier{configured: true}
	h := newTestHandler("us-east-1_pool", c, n)

	_, err := h.Handle(context.Background(), confirmationEvent("us-east-1_other"))
	if !errors.Is(err, errWrongUserPool) {
		t.Fatalf("expected errWrongUserPool, got %v", err)
	}
	if len(c.contacts) != 0 || len(n.sent) != 0 {
		t.Fatal("rejected event must not reach the crm or mailer")
	}
}

func TestHandleAcceptsAnyPoolWhenUnset(t *testing.T) {
	c := &fakeCRM{enabled: true, ok: true}
	h := newTestHandler("", c, &fakeNotifier{})

	if _, err := h.Handle(context.Background(), confirmationEvent("us-west-2_any")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(c.contacts) != 1 {
		t.Fatalf("expected a crm sync, got %d", len(c.contacts))
	}
}

func TestHandleSwallowsDownstreamFailures(t *testing.T) {
	c := &fakeCRM{enabled: true, ok: false}
	n := &fakeNotifier{configured: true, err: errors.New("smtp down")}
	h := newTestHandler("", c, n)

	event := confirmationEvent("us-east-1_pool")
	got, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("downstream failures must not fail the trigger: %v", err)
	}
	if !reflect.DeepEqual(got, event) {
		t.Fatal("event was modified")
	}
	if len(n.sent) != 1 {
		t.Fatal("notification should still be attempted after a failed crm sync")
	}
}

func TestHandleSkipsDisabledIntegrations(t *testing.T) {
	c := &fakeCRM{enabled: false}
	n := &fakeNotifier{configured: false}
	h := newTestHandler("", c, n)

	if _, err := h.Handle(context.Background(), confirmationEvent("p")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(c.contacts) != 0 || len(n.sent) != 0 {
		t.Fatal("disabled integrations must not be called")
	}
}

func TestHandleWithoutEmail(t *testing.T) {
	c := &fakeCRM{enabled: true, ok: true}
	h := newTestHandler("", c, &fakeNotifier{configured: true})

	event := confirmationEvent("p")
	delete(event.Request.UserAttributes, "email")
	if _, err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(c.contacts) != 0 {
		t.Fatal("a user without email is not synced")
	}
}
