package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornerstone-re/referral-backend/internal/models"
	"github.com/cornerstone-re/referral-backend/internal/services"
	"github.com/cornerstone-re/referral-backend/internal/storage"
)

type scriptedEngine struct {
	queue []*services.ClassifyResult
	err   error
}

func (e *scriptedEngine) ClassifyAndRespond(ctx context.Context, history []*models.Turn, newText string) (*services.ClassifyResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(e.queue) == 0 {
		return &services.ClassifyResult{Intent: services.IntentUnclear}, nil
	}
	r := e.queue[0]
	e.queue = e.queue[1:]
	return r, nil
}

type recordingDispatcher struct {
	sent []struct{ to, body string }
}

func (d *recordingDispatcher) SendSMS(to, body string) error {
	d.sent = append(d.sent, struct{ to, body string }{to, body})
	return nil
}

type webhookFixture struct {
	app        *fiber.App
	store      *storage.MemoryStore
	dispatcher *recordingDispatcher
	engine     *scriptedEngine
}

func newWebhookFixture(t *testing.T, engine *scriptedEngine) *webhookFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	cfg := services.DefaultConfig()
	handoff := services.NewHandoffRouter(dispatcher, "+15550009999")
	machine := services.NewStateMachine(store, engine, handoff, cfg)
	guard := services.NewIdempotencyGuard(store)
	handler := NewWebhookHandler(store, machine, guard, dispatcher, handoff, cfg.ExternalTimeout)

	app := fiber.New()
	app.Post("/webhook/sms", handler.HandleInbound)
	return &webhookFixture{app: app, store: store, dispatcher: dispatcher, engine: engine}
}

func (f *webhookFixture) post(t *testing.T, sid, from, body string) *http.Response {
	t.Helper()
	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("AccountSid", "AC123")
	form.Set("From", from)
	form.Set("To", "+15550001111")
	form.Set("Body", body)

	req := httptest.NewRequest(http.MethodPost, "/webhook/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestWebhookRepliesToTenant(t *testing.T) {
	engine := &scriptedEngine{queue: []*services.ClassifyResult{
		{Intent: services.IntentConsentYes, ReplyText: "Great! Who should I reach out to?"},
	}}
	f := newWebhookFixture(t, engine)
	require.NoError(t, f.store.CreateTenant(&models.Tenant{Phone: "+15551234567", Name: "Jamie"}))

	resp := f.post(t, "SM900", "+15551234567", "sure, happy to help")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, f.dispatcher.sent, 1)
	assert.Equal(t, "+15551234567", f.dispatcher.sent[0].to)
	assert.Equal(t, "Great! Who should I reach out to?", f.dispatcher.sent[0].body)

	active, err := f.store.GetActiveConversations("+15551234567")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.StateCollectingReferral, active[0].State)
}

func TestWebhookDuplicateDeliveryDropped(t *testing.T) {
	engine := &scriptedEngine{queue: []*services.ClassifyResult{
		{Intent: services.IntentConsentYes, ReplyText: "Great!"},
	}}
	f := newWebhookFixture(t, engine)
	require.NoError(t, f.store.CreateTenant(&models.Tenant{Phone: "+15551234567"}))

	resp := f.post(t, "SM901", "+15551234567", "sure")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Carrier redelivers the same MessageSid.
	resp = f.post(t, "SM901", "+15551234567", "sure")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Len(t, f.dispatcher.sent, 1, "duplicate must not send a second reply")

	active, err := f.store.GetActiveConversations("+15551234567")
	require.NoError(t, err)
	require.Len(t, active, 1)
	turns, err := f.store.GetTurns(active[0].ConversationID)
	require.NoError(t, err)
	assert.Len(t, turns, 2, "one inbound and one outbound turn, not four")
}

func TestWebhookIgnoresEventsWithoutBody(t *testing.T) {
	f := newWebhookFixture(t, &scriptedEngine{})

	resp := f.post(t, "SM902", "+15551234567", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.dispatcher.sent)

	seen, err := f.store.HasWebhookEvent("SM902")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestWebhookEscalationNotifiesAgent(t *testing.T) {
	engine := &scriptedEngine{queue: []*services.ClassifyResult{
		{Intent: services.IntentUrgent},
	}}
	f := newWebhookFixture(t, engine)
	require.NoError(t, f.store.CreateTenant(&models.Tenant{Phone: "+15551234567"}))

	resp := f.post(t, "SM903", "+15551234567", "my heat is broken, I need a human NOW")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The only outbound message is the agent notification, not a tenant reply.
	require.Len(t, f.dispatcher.sent, 1)
	assert.Equal(t, "+15550009999", f.dispatcher.sent[0].to)
	assert.Contains(t, f.dispatcher.sent[0].body, "+15551234567")
	assert.Contains(t, f.dispatcher.sent[0].body, "my heat is broken")
}

func TestWebhookTransientFailureRetriable(t *testing.T) {
	engine := &scriptedEngine{err: errors.New("model timeout")}
	f := newWebhookFixture(t, engine)
	require.NoError(t, f.store.CreateTenant(&models.Tenant{Phone: "+15551234567"}))

	resp := f.post(t, "SM904", "+15551234567", "sure")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, f.dispatcher.sent)

	// The engine recovers; the carrier's redelivery of the same SID succeeds.
	f.engine.err = nil
	f.engine.queue = []*services.ClassifyResult{
		{Intent: services.IntentConsentYes, ReplyText: "Great!"},
	}
	resp = f.post(t, "SM904", "+15551234567", "sure")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, f.dispatcher.sent, 1)
}
