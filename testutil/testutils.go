package testutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/batnet/ledger/crypto"
	"github.com/batnet/ledger/protocol"
)

// =====================================
// Configuration Generators
// =====================================

// TestConfigOption is a function that modifies a LedgerConfig.
type TestConfigOption func(*protocol.LedgerConfig)

// WithContributionAmount sets the monthly auto-contribute amount.
func WithContributionAmount(amount float64) TestConfigOption {
	return func(cfg *protocol.LedgerConfig) {
		cfg.ContributionAmount = amount
	}
}

// WithMinVisitDuration sets the attention threshold for a countable visit.
func WithMinVisitDuration(d time.Duration) TestConfigOption {
	return func(cfg *protocol.LedgerConfig) {
		cfg.MinVisitDuration = d
	}
}

// WithTokenThresholds sets the refill low/high watermarks.
func WithTokenThresholds(low, high int) TestConfigOption {
	return func(cfg *protocol.LedgerConfig) {
		cfg.LowTokenThreshold = low
		cfg.HighTokenThreshold = high
	}
}

// WithVoteBatchSize bounds one vote submission request.
func WithVoteBatchSize(size int) TestConfigOption {
	return func(cfg *protocol.LedgerConfig) {
		cfg.VoteBatchSize = size
	}
}

// WithAllowNonVerified includes unverified publishers in contribution sets.
func WithAllowNonVerified(allow bool) TestConfigOption {
	return func(cfg *protocol.LedgerConfig) {
		cfg.AllowNonVerified = allow
	}
}

// NewTestConfig returns a LedgerConfig pointed at the fake server hosts with
// the given overrides applied.
func NewTestConfig(options ...TestConfigOption) *protocol.LedgerConfig {
	cfg := protocol.DefaultConfig()
	cfg.LedgerURL = "http://ledger.test"
	cfg.ConfirmationsURL = "http://confirmations.test"
	cfg.MinVisitDuration = 8 * time.Second
	cfg.MinVisits = 1
	cfg.AllowNonVerified = true
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// =====================================
// Fake rewards server
// =====================================

// FakeRewardsServer emulates the ledger and confirmations servers over a
// protocol.MockTransport: persona registration, wallet refresh/balance, the
// reconcile pipeline endpoints and blind-token issuance with a real issuer,
// so client-side proof verification runs against genuine signatures.
type FakeRewardsServer struct {
	Transport *protocol.MockTransport
	Issuer    *crypto.TokenIssuer

	mu            sync.Mutex
	balance       float64
	voteSurveyors int
	nonceSeq      int
	batches       map[string][]string
	payoutCount   int
}

// FakeServerOption customizes a FakeRewardsServer.
type FakeServerOption func(*FakeRewardsServer)

// WithBalance sets the wallet balance the server reports.
func WithBalance(balance float64) FakeServerOption {
	return func(s *FakeRewardsServer) {
		s.balance = balance
	}
}

// WithVoteSurveyors sets how many vote surveyors a credentials exchange
// grants.
func WithVoteSurveyors(n int) FakeServerOption {
	return func(s *FakeRewardsServer) {
		s.voteSurveyors = n
	}
}

// NewFakeRewardsServer builds a wired fake server. The zero configuration
// reports a 30 BAT balance and grants 25 vote surveyors per exchange.
func NewFakeRewardsServer(options ...FakeServerOption) (*FakeRewardsServer, error) {
	issuer, err := crypto.NewTokenIssuer()
	if err != nil {
		return nil, err
	}
	s := &FakeRewardsServer{
		Transport:     protocol.NewMockTransport(),
		Issuer:        issuer,
		balance:       30,
		voteSurveyors: 25,
		batches:       make(map[string][]string),
	}
	for _, opt := range options {
		opt(s)
	}
	s.wire()
	return s, nil
}

// IssuerInfo returns the trust anchors a token client needs.
func (s *FakeRewardsServer) IssuerInfo() protocol.IssuerInfo {
	return protocol.IssuerInfo{
		IssuancePublicKey: s.Issuer.PublicKey().EncodeBase64(),
		BatchVerifyKey:    hex.EncodeToString(s.Issuer.VerifyKey()),
	}
}

// Issuers returns both token pools' trust anchors, backed by one issuer.
func (s *FakeRewardsServer) Issuers() protocol.Issuers {
	info := s.IssuerInfo()
	return protocol.Issuers{Confirmation: info, Payment: info}
}

// SetBalance changes the reported wallet balance.
func (s *FakeRewardsServer) SetBalance(balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = balance
}

// PayoutCount reports how many payout submissions were accepted.
func (s *FakeRewardsServer) PayoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payoutCount
}

func (s *FakeRewardsServer) wire() {
	t := s.Transport

	// Persona registration.
	t.HandleJSON(http.MethodGet, "/v2/registrar/persona",
		http.StatusOK, `{"registrarVK":"fake-persona-registrar-vk"}`)
	t.Handle(http.MethodPost, "/v2/registrar/persona/", func(protocol.MockRequest) (*protocol.Response, error) {
		body, _ := json.Marshal(map[string]any{
			"wallet": map[string]string{"paymentId": "0f0f0f0f-1111-2222-3333-444455556666"},
			"issuer": s.IssuerInfo(),
		})
		return &protocol.Response{StatusCode: http.StatusOK, Body: body}, nil
	})

	// Reconcile pipeline.
	t.HandleJSON(http.MethodGet, "/v2/surveyor/contribution/current/",
		http.StatusOK, `{"surveyorId":"fake-surveyor-current"}`)
	t.HandleJSON(http.MethodPut, "/v2/wallet/", http.StatusOK,
		`{"probi":"10000000000000000000","altcurrency":"BAT"}`)
	t.HandleJSON(http.MethodGet, "/v2/registrar/viewing",
		http.StatusOK, `{"registrarVK":"fake-viewing-registrar-vk"}`)
	t.Handle(http.MethodPost, "/v2/registrar/viewing/", func(protocol.MockRequest) (*protocol.Response, error) {
		s.mu.Lock()
		n := s.voteSurveyors
		s.mu.Unlock()
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("fake-vote-surveyor-%03d", i)
		}
		body, _ := json.Marshal(map[string]any{
			"verification": "fake-verification",
			"surveyorIds":  ids,
		})
		return &protocol.Response{StatusCode: http.StatusOK, Body: body}, nil
	})
	t.Handle(http.MethodGet, "/v2/batch/surveyor/voting/", func(protocol.MockRequest) (*protocol.Response, error) {
		s.mu.Lock()
		n := s.voteSurveyors
		s.mu.Unlock()
		defs := make([]map[string]string, n)
		for i := range defs {
			defs[i] = map[string]string{
				"surveyorId": fmt.Sprintf("fake-vote-surveyor-%03d", i),
				"surveyVK":   "fake-survey-vk",
				"signature":  "fake-survey-signature",
			}
		}
		body, _ := json.Marshal(defs)
		return &protocol.Response{StatusCode: http.StatusOK, Body: body}, nil
	})
	t.HandleJSON(http.MethodPost, "/v2/batch/surveyor/voting", http.StatusOK, `{}`)

	// Wallet reads; refresh registered later takes precedence on refresh URLs.
	t.Handle(http.MethodGet, "/v2/wallet/", func(protocol.MockRequest) (*protocol.Response, error) {
		s.mu.Lock()
		balance := s.balance
		s.mu.Unlock()
		body, _ := json.Marshal(map[string]string{
			"balance": strconv.FormatFloat(balance, 'f', -1, 64),
		})
		return &protocol.Response{StatusCode: http.StatusOK, Body: body}, nil
	})
	t.HandleJSON(http.MethodGet, "refresh=true", http.StatusOK,
		`{"rates":{"USD":0.21},"unsignedTx":{"denomination":{"amount":"10","currency":"BAT"},"destination":"fake-settlement"}}`)

	// Blind-token issuance and redemption.
	t.HandleJSON(http.MethodPost, "/v1/confirmation/", http.StatusOK, `{}`)
	t.Handle(http.MethodPost, "/v1/confirmation/token/", func(req protocol.MockRequest) (*protocol.Response, error) {
		var parsed struct {
			BlindedTokens []string `json:"blindedTokens"`
		}
		if err := json.Unmarshal(req.Body, &parsed); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.nonceSeq++
		nonce := fmt.Sprintf("fake-nonce-%d", s.nonceSeq)
		s.batches[nonce] = parsed.BlindedTokens
		s.mu.Unlock()
		body, _ := json.Marshal(map[string]string{"nonce": nonce})
		return &protocol.Response{StatusCode: http.StatusCreated, Body: body}, nil
	})
	t.Handle(http.MethodGet, "/v1/confirmation/token/", func(req protocol.MockRequest) (*protocol.Response, error) {
		nonce := ""
		if i := strings.Index(req.URL, "nonce="); i >= 0 {
			nonce = req.URL[i+len("nonce="):]
		}
		s.mu.Lock()
		encoded, ok := s.batches[nonce]
		s.mu.Unlock()
		if !ok {
			return &protocol.Response{StatusCode: http.StatusNotFound}, nil
		}

		blinded := make([]crypto.BlindedToken, len(encoded))
		signed := make([]crypto.SignedToken, len(encoded))
		signedB64 := make([]string, len(encoded))
		for i, b64 := range encoded {
			bt, err := crypto.DecodeBlindedToken(b64)
			if err != nil {
				return nil, err
			}
			st, err := s.Issuer.SignBlinded(bt)
			if err != nil {
				return nil, err
			}
			blinded[i], signed[i], signedB64[i] = bt, st, st.EncodeBase64()
		}
		proof, err := s.Issuer.BatchProof(blinded, signed)
		if err != nil {
			return nil, err
		}
		body, _ := json.Marshal(map[string]any{
			"batchProof":   proof,
			"signedTokens": signedB64,
			"publicKey":    s.Issuer.PublicKey().EncodeBase64(),
		})
		return &protocol.Response{StatusCode: http.StatusOK, Body: body}, nil
	})
	t.Handle(http.MethodPut, "/v1/confirmation/payment/", func(protocol.MockRequest) (*protocol.Response, error) {
		s.mu.Lock()
		s.payoutCount++
		s.mu.Unlock()
		return &protocol.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
	})
}
