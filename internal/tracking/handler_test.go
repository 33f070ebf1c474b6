package tracking

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

type fakeRepo struct {
	recipients map[string]*domain.Recipient // by tracking id

	opened       map[string]int
	clicked      map[string]int
	unsubscribed map[string]bool
	delivered    map[string]bool
	bounced      map[string]string
	events       []domain.EmailEvent

	failEmail string // RecipientByEmail error trigger
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		recipients:   make(map[string]*domain.Recipient),
		opened:       make(map[string]int),
		clicked:      make(map[string]int),
		unsubscribed: make(map[string]bool),
		delivered:    make(map[string]bool),
		bounced:      make(map[string]string),
	}
}

func (f *fakeRepo) add(rec *domain.Recipient) { f.recipients[rec.TrackingID] = rec }

func (f *fakeRepo) RecipientByTrackingID(ctx context.Context, trackingID string) (*domain.Recipient, error) {
	rec, ok := f.recipients[trackingID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return rec, nil
}

func (f *fakeRepo) RecipientByEmail(ctx context.Context, campaignID, email string) (*domain.Recipient, error) {
	email = domain.NormalizeEmail(email)
	if email == f.failEmail {
		return nil, sql.ErrConnDone
	}
	for _, rec := range f.recipients {
		if rec.CampaignID == campaignID && rec.Email == email {
			return rec, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRepo) MarkOpened(ctx context.Context, recipientID, campaignID string) (bool, error) {
	f.opened[recipientID]++
	return f.opened[recipientID] == 1, nil
}

func (f *fakeRepo) MarkClicked(ctx context.Context, recipientID, campaignID string) (bool, error) {
	f.clicked[recipientID]++
	return f.clicked[recipientID] == 1, nil
}

func (f *fakeRepo) MarkUnsubscribed(ctx context.Context, recipientID, campaignID string) (bool, error) {
	if f.unsubscribed[recipientID] {
		return false, nil
	}
	f.unsubscribed[recipientID] = true
	return true, nil
}

func (f *fakeRepo) MarkDelivered(ctx context.Context, recipientID string) (bool, error) {
	if f.delivered[recipientID] {
		return false, nil
	}
	f.delivered[recipientID] = true
	return true, nil
}

func (f *fakeRepo) MarkBounced(ctx context.Context, recipientID, campaignID, reason string) (bool, error) {
	if _, ok := f.bounced[recipientID]; ok {
		return false, nil
	}
	f.bounced[recipientID] = reason
	return true, nil
}

func (f *fakeRepo) RecordEvent(ctx context.Context, ev *domain.EmailEvent) error {
	f.events = append(f.events, *ev)
	return nil
}

type fakeSuppressor struct {
	suppressed map[string]domain.SuppressionReason
}

func newFakeSuppressor() *fakeSuppressor {
	return &fakeSuppressor{suppressed: make(map[string]domain.SuppressionReason)}
}

func (f *fakeSuppressor) Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, campaignID string) error {
	email = domain.NormalizeEmail(email)
	if _, ok := f.suppressed[email]; !ok {
		f.suppressed[email] = reason
	}
	return nil
}

func testRecipient() *domain.Recipient {
	return &domain.Recipient{
		ID:         "rcpt-1",
		CampaignID: "camp-1",
		Email:      "user@example.com",
		Status:     domain.RecipientSent,
		TrackingID: "trk-1",
	}
}

type fakeCompleter struct {
	checked []string
}

func (f *fakeCompleter) CheckAndCompleteCampaign(ctx context.Context, campaignID string) (bool, error) {
	f.checked = append(f.checked, campaignID)
	return true, nil
}

func setupHandler(t *testing.T) (*fakeRepo, *fakeSuppressor, http.Handler) {
	t.Helper()
	repo := newFakeRepo()
	sup := newFakeSuppressor()
	return repo, sup, NewHandler(repo, sup, nil).Routes()
}

func TestOpenPixelKnownID(t *testing.T) {
	repo, _, h := setupHandler(t)
	repo.add(testRecipient())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/open?id=trk-1", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, pixelPNG, rr.Body.Bytes())

	assert.Equal(t, 1, repo.opened["rcpt-1"])
	require.Len(t, repo.events, 1)
	assert.Equal(t, domain.EmailEventOpened, repo.events[0].Type)
}

func TestOpenPixelUnknownID(t *testing.T) {
	_, _, h := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/open?id=ghost", nil))

	// Never an error status: the image must render inside the mail client.
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, pixelPNG, rr.Body.Bytes())
}

func TestClickRedirect(t *testing.T) {
	repo, _, h := setupHandler(t)
	repo.add(testRecipient())

	target := "https://shop.example.com/sale?ref=a&x=1"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/click?id=trk-1&linkId=l2&url="+strings.ReplaceAll(target, "&", "%26"), nil))

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, target, rr.Header().Get("Location"))

	assert.Equal(t, 1, repo.clicked["rcpt-1"])
	require.Len(t, repo.events, 1)
	assert.Equal(t, "l2", repo.events[0].Metadata["linkId"])
	assert.Equal(t, target, repo.events[0].Metadata["url"])
}

func TestClickInvalidURL(t *testing.T) {
	_, _, h := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/click?id=trk-1&url=invalid-url", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["error"])
}

func TestClickUnknownIDStillRedirects(t *testing.T) {
	_, _, h := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/click?id=ghost&url=https%3A%2F%2Fexample.com%2Fgo", nil))

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://example.com/go", rr.Header().Get("Location"))
}

func TestUnsubscribeFlow(t *testing.T) {
	repo, sup, h := setupHandler(t)
	repo.add(testRecipient())

	// Preview.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/unsubscribe?token=trk-1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var preview map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &preview))
	assert.Equal(t, "user@example.com", preview["email"])
	assert.Equal(t, false, preview["confirmed"])

	// Confirm.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/unsubscribe?token=trk-1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.ReasonUnsubscribe, sup.suppressed["user@example.com"])
	assert.True(t, repo.unsubscribed["rcpt-1"])
	require.Len(t, repo.events, 1)
	assert.Equal(t, domain.EmailEventUnsubscribed, repo.events[0].Type)

	// Confirm again: success no-op, no second event.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/unsubscribe?token=trk-1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, repo.events, 1)
}

func TestUnsubscribeUnknownToken(t *testing.T) {
	_, _, h := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/unsubscribe?token=ghost", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookSingleEvent(t *testing.T) {
	repo, _, h := setupHandler(t)
	repo.add(testRecipient())

	body := `{"type":"delivered","email":"User@Example.com","campaignId":"camp-1"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["processed"])
	assert.True(t, repo.delivered["rcpt-1"])
}

func TestWebhookBatchIndependent(t *testing.T) {
	repo, _, h := setupHandler(t)
	repo.add(testRecipient())
	repo.add(&domain.Recipient{
		ID: "rcpt-2", CampaignID: "camp-1", Email: "other@example.com",
		Status: domain.RecipientSent, TrackingID: "trk-2",
	})
	repo.failEmail = "other@example.com"

	body := `[
		{"type":"delivered","email":"user@example.com","campaignId":"camp-1"},
		{"type":"delivered","email":"other@example.com","campaignId":"camp-1"}
	]`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))

	// One lookup fails; the batch still reports both events processed and
	// the healthy one landed.
	assert.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["processed"])
	assert.True(t, repo.delivered["rcpt-1"])
	assert.False(t, repo.delivered["rcpt-2"])
}

func TestWebhookBounceSuppresses(t *testing.T) {
	repo, sup, h := setupHandler(t)
	repo.add(testRecipient())

	body := `{"type":"bounced","email":"user@example.com","campaignId":"camp-1","reason":"550 user unknown"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "550 user unknown", repo.bounced["rcpt-1"])
	assert.Equal(t, domain.ReasonHardBounce, sup.suppressed["user@example.com"])
	require.Len(t, repo.events, 1)
	assert.Equal(t, domain.EmailEventBounced, repo.events[0].Type)
	assert.Equal(t, "550 user unknown", repo.events[0].Metadata["reason"])
}

func TestWebhookBounceRunsCompletionCheck(t *testing.T) {
	repo := newFakeRepo()
	sup := newFakeSuppressor()
	completer := &fakeCompleter{}
	h := NewHandler(repo, sup, completer).Routes()
	repo.add(testRecipient())

	// A bounce can be the last accounting write for its campaign, so
	// ingestion must run the completion check the worker would have run.
	body := `{"type":"bounced","email":"user@example.com","campaignId":"camp-1","reason":"550 user unknown"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"camp-1"}, completer.checked)

	// The duplicate notification changes nothing and checks nothing.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, completer.checked, 1)
}

func TestWebhookMalformedJSON(t *testing.T) {
	_, _, h := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{"type":`))))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
