package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batnet/ledger/protocol"
	"github.com/batnet/ledger/testutil"
)

func newControlFixture(t *testing.T) (*httptest.Server, *protocol.Ledger, *testutil.FakeRewardsServer) {
	t.Helper()

	fake, err := testutil.NewFakeRewardsServer()
	require.NoError(t, err)

	ledger, err := protocol.NewLedger(testutil.NewTestConfig(), fake.Issuers(),
		fake.Transport, protocol.NewMemStore(), protocol.NewManualTimerScheduler(), nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, ledger.Start(context.Background()))

	router := chi.NewRouter()
	NewControlService(ledger, testLogger()).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv, ledger, fake
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestControl_VisitAndPublishers(t *testing.T) {
	srv, _, _ := newControlFixture(t)

	resp := postJSON(t, srv.URL+"/api/v1/visit", VisitRequest{
		PublisherID: "site-a.example",
		DurationMS:  25000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var visit map[string]bool
	decodeBody(t, resp, &visit)
	assert.True(t, visit["recorded"])

	// Below the attention threshold: accepted but not recorded.
	resp = postJSON(t, srv.URL+"/api/v1/visit", VisitRequest{
		PublisherID: "site-b.example",
		DurationMS:  1000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &visit)
	assert.False(t, visit["recorded"])

	// Same short duration, flagged as an already-vetted media visit.
	resp = postJSON(t, srv.URL+"/api/v1/visit", VisitRequest{
		PublisherID:   "media-site.example",
		DurationMS:    1000,
		IgnoreMinTime: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &visit)
	assert.True(t, visit["recorded"])

	listResp, err := http.Get(srv.URL + "/api/v1/publishers")
	require.NoError(t, err)
	var publishers []protocol.PublisherRecord
	decodeBody(t, listResp, &publishers)
	require.Len(t, publishers, 2)
	ids := []string{publishers[0].ID, publishers[1].ID}
	assert.Contains(t, ids, "site-a.example")
	assert.Contains(t, ids, "media-site.example")
	assert.Equal(t, uint32(100), publishers[0].Percent+publishers[1].Percent)
}

func TestControl_BalanceAndWallet(t *testing.T) {
	srv, _, fake := newControlFixture(t)

	resp, err := http.Get(srv.URL + "/api/v1/balance")
	require.NoError(t, err)
	var balance map[string]float64
	decodeBody(t, resp, &balance)
	assert.Equal(t, 30.0, balance["balance"])

	fake.SetBalance(12)
	resp, err = http.Get(srv.URL + "/api/v1/balance?refresh=true")
	require.NoError(t, err)
	decodeBody(t, resp, &balance)
	assert.Equal(t, 12.0, balance["balance"])

	resp, err = http.Get(srv.URL + "/api/v1/wallet")
	require.NoError(t, err)
	var wallet map[string]any
	decodeBody(t, resp, &wallet)
	assert.Equal(t, true, wallet["registered"])
	assert.NotEmpty(t, wallet["payment_id"])
	assert.NotContains(t, wallet, "key_hex")
}

func TestControl_DonateHappyPathAndReport(t *testing.T) {
	srv, _, _ := newControlFixture(t)

	resp := postJSON(t, srv.URL+"/api/v1/donate", DonateRequest{
		Directions: []protocol.Direction{
			{PublisherID: "creator.example", Amount: 5, Currency: "BAT"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	reportResp, err := http.Get(srv.URL + "/api/v1/report")
	require.NoError(t, err)
	var report protocol.BalanceReport
	decodeBody(t, reportResp, &report)
	assert.Equal(t, 5.0, report.DirectDonation)
}

func TestControl_DonatePreconditionMapsToConflict(t *testing.T) {
	srv, _, _ := newControlFixture(t)

	// Wrong currency is rejected before any network work.
	resp := postJSON(t, srv.URL+"/api/v1/donate", DonateRequest{
		Directions: []protocol.Direction{
			{PublisherID: "creator.example", Amount: 5, Currency: "USD"},
		},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// So is a donation exceeding the balance.
	resp = postJSON(t, srv.URL+"/api/v1/donate", DonateRequest{
		Directions: []protocol.Direction{
			{PublisherID: "creator.example", Amount: 5000, Currency: "BAT"},
		},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestControl_RecurringManagement(t *testing.T) {
	srv, _, _ := newControlFixture(t)

	resp := postJSON(t, srv.URL+"/api/v1/recurring", RecurringRequest{
		PublisherID: "creator.example", Weight: 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []protocol.RecurringEntry
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/recurring/creator.example", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeBody(t, delResp, &list)
	assert.Empty(t, list)
}

func TestControl_AdViewSpendsConfirmationToken(t *testing.T) {
	srv, ledger, _ := newControlFixture(t)

	confirmations, _ := ledger.TokenCounts()
	require.Greater(t, confirmations, 0)

	resp := postJSON(t, srv.URL+"/api/v1/adview", AdViewRequest{CreativeID: "creative-7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	after, _ := ledger.TokenCounts()
	assert.Equal(t, confirmations-1, after)
}
