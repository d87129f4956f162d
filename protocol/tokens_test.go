package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batnet/ledger/crypto"
)

// fakeTokenServer implements the confirmations server's token endpoints over
// a MockTransport, signing with a real issuer so the client's proof and
// unblinding checks run for real.
type fakeTokenServer struct {
	issuer *crypto.TokenIssuer

	mu       sync.Mutex
	nonceSeq int
	batches  map[string][]string // nonce -> blinded tokens
	redeemed []redeemedToken
	payouts  []payoutRequest
}

type redeemedToken struct {
	preimage   string
	credential string
	payload    []byte
}

type payoutRequest struct {
	paymentID string
	tokens    int
}

func newFakeTokenServer(t *testing.T) *fakeTokenServer {
	t.Helper()
	issuer, err := crypto.NewTokenIssuer()
	require.NoError(t, err)
	return &fakeTokenServer{issuer: issuer, batches: make(map[string][]string)}
}

func (srv *fakeTokenServer) issuerInfo() IssuerInfo {
	return IssuerInfo{
		IssuancePublicKey: srv.issuer.PublicKey().EncodeBase64(),
		BatchVerifyKey:    hex.EncodeToString(srv.issuer.VerifyKey()),
	}
}

// wire installs the four confirmation endpoints. signWith lets a test sign
// with a different issuer to exercise the proof-failure path.
func (srv *fakeTokenServer) wire(transport *MockTransport, signWith *crypto.TokenIssuer) {
	if signWith == nil {
		signWith = srv.issuer
	}

	transport.Handle(http.MethodPost, "/v1/confirmation/", func(req MockRequest) (*Response, error) {
		// URL shape: .../v1/confirmation/{id}/{credential}
		parts := strings.Split(req.URL, "/")
		credential := parts[len(parts)-1]
		var parsed struct {
			TokenPreimage string `json:"tokenPreimage"`
		}
		if err := json.Unmarshal(req.Body, &parsed); err != nil {
			return nil, err
		}
		srv.mu.Lock()
		srv.redeemed = append(srv.redeemed, redeemedToken{
			preimage:   parsed.TokenPreimage,
			credential: credential,
			payload:    req.Body,
		})
		srv.mu.Unlock()
		return &Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
	})

	// Registered after the generic confirmation route so the token path,
	// which it also matches, takes precedence.
	transport.Handle(http.MethodPost, "/v1/confirmation/token/", func(req MockRequest) (*Response, error) {
		var parsed struct {
			BlindedTokens []string `json:"blindedTokens"`
		}
		if err := json.Unmarshal(req.Body, &parsed); err != nil {
			return nil, err
		}
		srv.mu.Lock()
		srv.nonceSeq++
		nonce := fmt.Sprintf("nonce-%d", srv.nonceSeq)
		srv.batches[nonce] = parsed.BlindedTokens
		srv.mu.Unlock()

		body, _ := json.Marshal(map[string]string{"nonce": nonce})
		return &Response{StatusCode: http.StatusCreated, Body: body}, nil
	})

	transport.Handle(http.MethodGet, "/v1/confirmation/token/", func(req MockRequest) (*Response, error) {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, err
		}
		nonce := u.Query().Get("nonce")

		srv.mu.Lock()
		encoded, ok := srv.batches[nonce]
		srv.mu.Unlock()
		if !ok {
			return &Response{StatusCode: http.StatusNotFound}, nil
		}

		blinded := make([]crypto.BlindedToken, len(encoded))
		signed := make([]crypto.SignedToken, len(encoded))
		signedB64 := make([]string, len(encoded))
		for i, b64 := range encoded {
			bt, err := crypto.DecodeBlindedToken(b64)
			if err != nil {
				return nil, err
			}
			st, err := signWith.SignBlinded(bt)
			if err != nil {
				return nil, err
			}
			blinded[i] = bt
			signed[i] = st
			signedB64[i] = st.EncodeBase64()
		}
		proof, err := signWith.BatchProof(blinded, signed)
		if err != nil {
			return nil, err
		}

		body, _ := json.Marshal(map[string]any{
			"batchProof":   proof,
			"signedTokens": signedB64,
			"publicKey":    srv.issuer.PublicKey().EncodeBase64(),
		})
		return &Response{StatusCode: http.StatusOK, Body: body}, nil
	})

	transport.Handle(http.MethodPut, "/v1/confirmation/payment/", func(req MockRequest) (*Response, error) {
		var parsed struct {
			PaymentID string `json:"paymentId"`
			Tokens    []struct {
				TokenPreimage string `json:"tokenPreimage"`
				Credential    string `json:"credential"`
			} `json:"tokens"`
		}
		if err := json.Unmarshal(req.Body, &parsed); err != nil {
			return nil, err
		}
		for _, tok := range parsed.Tokens {
			if !srv.issuer.VerifyCredential(tok.TokenPreimage, []byte(parsed.PaymentID), tok.Credential) {
				return &Response{StatusCode: http.StatusUnauthorized}, nil
			}
		}
		srv.mu.Lock()
		srv.payouts = append(srv.payouts, payoutRequest{parsed.PaymentID, len(parsed.Tokens)})
		srv.mu.Unlock()
		return &Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
	})
}

func newTokenFixture(t *testing.T) (*TokenClient, *fakeTokenServer, *MockTransport, *WalletInfo, *MemStore) {
	t.Helper()
	srv := newFakeTokenServer(t)
	transport := NewMockTransport()
	srv.wire(transport, nil)

	wallet, err := newWallet()
	require.NoError(t, err)
	wallet.PaymentID = "99999999-8888-7777-6666-555544443333"

	store := NewMemStore()
	tc, err := NewTokenClient(ConfirmationTokens, testConfig(), srv.issuerInfo(), transport, store, testLogger())
	require.NoError(t, err)
	return tc, srv, transport, wallet, store
}

func TestTokenClient_RefillTopsUpToHighThreshold(t *testing.T) {
	tc, _, transport, wallet, _ := newTokenFixture(t)

	require.NoError(t, tc.RequestRefill(context.Background(), wallet))
	assert.Equal(t, testConfig().HighTokenThreshold, tc.Count())
	assert.False(t, tc.RefillPending())
	// One POST of blinded tokens, one GET of signed tokens.
	assert.Equal(t, 2, transport.RequestCount())
}

func TestTokenClient_RefillNoopAboveThreshold(t *testing.T) {
	tc, _, transport, wallet, _ := newTokenFixture(t)
	require.NoError(t, tc.RequestRefill(context.Background(), wallet))

	before := transport.RequestCount()
	require.NoError(t, tc.RequestRefill(context.Background(), wallet))
	assert.Equal(t, before, transport.RequestCount(), "healthy pool must not touch the network")
}

func TestTokenClient_BadProofRejectsWholeBatch(t *testing.T) {
	srv := newFakeTokenServer(t)
	rogue, err := crypto.NewTokenIssuer()
	require.NoError(t, err)

	transport := NewMockTransport()
	srv.wire(transport, rogue) // signs with the wrong issuance key

	wallet, err := newWallet()
	require.NoError(t, err)
	wallet.PaymentID = "99999999-8888-7777-6666-555544443333"

	tc, err := NewTokenClient(ConfirmationTokens, testConfig(), srv.issuerInfo(), transport, NewMemStore(), testLogger())
	require.NoError(t, err)

	err = tc.RequestRefill(context.Background(), wallet)
	assert.ErrorIs(t, err, ErrProofVerification)
	assert.Equal(t, 0, tc.Count(), "no token from a bad batch may enter the pool")
	assert.True(t, tc.RefillPending(), "pending exchange is kept for retry")
}

func TestTokenClient_RedeemConsumesTokenAndBindsPayload(t *testing.T) {
	tc, srv, _, wallet, _ := newTokenFixture(t)
	require.NoError(t, tc.RequestRefill(context.Background(), wallet))
	before := tc.Count()

	require.NoError(t, tc.RedeemConfirmation(context.Background(), "ad-creative-42"))
	assert.Equal(t, before-1, tc.Count())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.redeemed, 1)
	r := srv.redeemed[0]
	assert.True(t, srv.issuer.VerifyCredential(r.preimage, r.payload, r.credential),
		"redemption MAC must verify against the submitted payload")
}

func TestTokenClient_RedeemFailureStillConsumesToken(t *testing.T) {
	tc, _, transport, wallet, _ := newTokenFixture(t)
	require.NoError(t, tc.RequestRefill(context.Background(), wallet))
	before := tc.Count()

	// Server rejects from here on. The popped token must not return to the
	// pool: it may have reached the server.
	transport.HandleJSON(http.MethodPost, "/v1/confirmation/", http.StatusInternalServerError, `{}`)

	err := tc.RedeemConfirmation(context.Background(), "ad-creative-43")
	require.Error(t, err)
	assert.Equal(t, before-1, tc.Count())
}

func TestTokenClient_PayoutAllOrNothing(t *testing.T) {
	srv := newFakeTokenServer(t)
	transport := NewMockTransport()
	srv.wire(transport, nil)

	wallet, err := newWallet()
	require.NoError(t, err)
	wallet.PaymentID = "99999999-8888-7777-6666-555544443333"

	tc, err := NewTokenClient(PaymentTokens, testConfig(), srv.issuerInfo(), transport, NewMemStore(), testLogger())
	require.NoError(t, err)
	require.NoError(t, tc.RequestRefill(context.Background(), wallet))
	full := tc.Count()

	// Failed payout leaves the pool untouched.
	transport.HandleJSON(http.MethodPut, "/v1/confirmation/payment/", http.StatusServiceUnavailable, `{}`)
	require.Error(t, tc.Payout(context.Background(), wallet))
	assert.Equal(t, full, tc.Count())

	// Successful payout clears it whole, credentials verified server-side.
	srv.wire(transport, nil)
	require.NoError(t, tc.Payout(context.Background(), wallet))
	assert.Equal(t, 0, tc.Count())

	srv.mu.Lock()
	require.Len(t, srv.payouts, 1)
	assert.Equal(t, wallet.PaymentID, srv.payouts[0].paymentID)
	assert.Equal(t, full, srv.payouts[0].tokens)
	srv.mu.Unlock()
}

func TestTokenClient_PayoutEmptyPoolSkipsNetwork(t *testing.T) {
	tc, _, transport, wallet, _ := newTokenFixture(t)
	require.NoError(t, tc.Payout(context.Background(), wallet))
	assert.Equal(t, 0, transport.RequestCount())
}

func TestTokenClient_PoolSurvivesRestart(t *testing.T) {
	tc, srv, transport, wallet, store := newTokenFixture(t)
	require.NoError(t, tc.RequestRefill(context.Background(), wallet))
	count := tc.Count()

	restored, err := NewTokenClient(ConfirmationTokens, testConfig(), srv.issuerInfo(), transport, store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, count, restored.Count())

	// Restored tokens still redeem.
	require.NoError(t, restored.RedeemConfirmation(context.Background(), "ad-creative-44"))
	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.redeemed, 1)
	assert.True(t, srv.issuer.VerifyCredential(srv.redeemed[0].preimage, srv.redeemed[0].payload, srv.redeemed[0].credential))
}
