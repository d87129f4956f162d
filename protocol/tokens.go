package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/batnet/ledger/crypto"
)

// TokenKind separates the two independent token pools.
type TokenKind string

const (
	// ConfirmationTokens are spent one per ad-view attestation.
	ConfirmationTokens TokenKind = "confirmation"
	// PaymentTokens are spent one per payout redemption.
	PaymentTokens TokenKind = "payment"
)

// IssuerInfo identifies the server-side token issuer: the Curve25519
// issuance key signed tokens are checked against and the Ed25519 key batch
// proofs are verified with.
type IssuerInfo struct {
	IssuancePublicKey string `yaml:"issuance_public_key" json:"issuance_public_key"`
	BatchVerifyKey    string `yaml:"batch_verify_key" json:"batch_verify_key"`
}

// pendingRefill carries a refill attempt across the POST/GET boundary. The
// blinded tokens already submitted remain valid against the nonce, so a
// retry repeats only the GET half.
type pendingRefill struct {
	Tokens  []string `json:"tokens"`
	Blinded []string `json:"blinded"`
	Nonce   string   `json:"nonce"`
}

// TokenClient runs the blind-token issuance and redemption protocol for one
// pool. The ledger owns two instances, one per TokenKind.
//
// Pool mutations follow the single-use rule: a token leaves the pool the
// moment it is spent and is never returned, even if the spend request fails.
type TokenClient struct {
	kind      TokenKind
	cfg       *LedgerConfig
	transport Transport
	store     Store
	log       *slog.Logger
	issuer    IssuerInfo

	mu        sync.Mutex
	unblinded []*crypto.UnblindedToken
	pending   *pendingRefill
}

// NewTokenClient builds a token client and restores its persisted pool and
// any half-finished refill.
func NewTokenClient(kind TokenKind, cfg *LedgerConfig, issuer IssuerInfo, transport Transport, store Store, log *slog.Logger) (*TokenClient, error) {
	tc := &TokenClient{
		kind:      kind,
		cfg:       cfg,
		transport: transport,
		store:     store,
		log:       log.With("pool", string(kind)),
		issuer:    issuer,
	}

	raw, err := store.Get(keyPoolPfx + string(kind))
	switch err {
	case nil:
		var encoded []string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("corrupt %s token pool: %w", kind, err)
		}
		for _, e := range encoded {
			ut, err := crypto.DecodeUnblindedToken(e)
			if err != nil {
				return nil, fmt.Errorf("corrupt %s token pool entry: %w", kind, err)
			}
			tc.unblinded = append(tc.unblinded, ut)
		}
	case ErrNotFound:
	default:
		return nil, err
	}

	raw, err = store.Get(keyRefillPfx + string(kind))
	switch err {
	case nil:
		var pending pendingRefill
		if err := json.Unmarshal(raw, &pending); err != nil {
			return nil, fmt.Errorf("corrupt pending refill: %w", err)
		}
		tc.pending = &pending
	case ErrNotFound:
	default:
		return nil, err
	}

	return tc, nil
}

// Count returns the number of unspent tokens in the pool.
func (tc *TokenClient) Count() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.unblinded)
}

// RefillPending reports whether a blinded batch has been submitted and is
// still waiting to be exchanged for signed tokens.
func (tc *TokenClient) RefillPending() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.pending != nil && tc.pending.Nonce != ""
}

func (tc *TokenClient) persistPoolLocked() error {
	encoded := make([]string, len(tc.unblinded))
	for i, ut := range tc.unblinded {
		encoded[i] = ut.EncodeBase64()
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return err
	}
	return tc.store.Put(keyPoolPfx+string(tc.kind), raw)
}

func (tc *TokenClient) persistPendingLocked() error {
	if tc.pending == nil {
		return tc.store.Delete(keyRefillPfx + string(tc.kind))
	}
	raw, err := json.Marshal(tc.pending)
	if err != nil {
		return err
	}
	return tc.store.Put(keyRefillPfx+string(tc.kind), raw)
}

// RequestRefill tops the pool up to the high threshold. It is a no-op when
// the pool already holds at least the low threshold, making it safe to call
// on every confirmations-ready or ad-sustain event.
func (tc *TokenClient) RequestRefill(ctx context.Context, wallet *WalletInfo) error {
	tc.mu.Lock()
	if len(tc.unblinded) >= tc.cfg.LowTokenThreshold {
		tc.mu.Unlock()
		return nil
	}

	if tc.pending == nil {
		needed := tc.cfg.HighTokenThreshold - len(tc.unblinded)
		pending := &pendingRefill{}
		for i := 0; i < needed; i++ {
			tok, err := crypto.NewToken()
			if err != nil {
				tc.mu.Unlock()
				return err
			}
			blinded, err := tok.Blind()
			if err != nil {
				tc.mu.Unlock()
				return err
			}
			pending.Tokens = append(pending.Tokens, tok.EncodeBase64())
			pending.Blinded = append(pending.Blinded, blinded.EncodeBase64())
		}
		tc.pending = pending
		if err := tc.persistPendingLocked(); err != nil {
			tc.pending = nil
			tc.mu.Unlock()
			return err
		}
	}
	tc.mu.Unlock()

	if err := tc.submitBlinded(ctx, wallet); err != nil {
		return err
	}
	return tc.GetSignedTokens(ctx, wallet)
}

// submitBlinded POSTs the pending blinded tokens and records the server's
// nonce. Skipped when a nonce is already held from an earlier attempt.
func (tc *TokenClient) submitBlinded(ctx context.Context, wallet *WalletInfo) error {
	tc.mu.Lock()
	pending := tc.pending
	tc.mu.Unlock()
	if pending == nil || pending.Nonce != "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"blindedTokens": pending.Blinded,
	})
	if err != nil {
		return err
	}

	digest, signature, err := crypto.BuildRequestSignature(wallet.SecretKey(), "primary", body)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"Digest":    digest,
		"Signature": signature,
		"Accept":    "application/json",
	}

	url := fmt.Sprintf("%s/v1/confirmation/token/%s", tc.cfg.ConfirmationsURL, wallet.PaymentID)
	tc.log.Debug("submitting blinded tokens", "url", url, "count", len(pending.Blinded))

	resp, err := tc.transport.LoadURL(ctx, url, headers, body, "application/json", http.MethodPost)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}
	if parsed.Nonce == "" {
		return &ResponseError{URL: url, Err: fmt.Errorf("missing nonce")}
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.pending.Nonce = parsed.Nonce
	return tc.persistPendingLocked()
}

// GetSignedTokens fetches the signed tokens for the pending nonce, verifies
// the batch proof, and unblinds into the pool. The whole batch is rejected
// if the proof or any single token check fails; the pool is never partially
// refilled.
func (tc *TokenClient) GetSignedTokens(ctx context.Context, wallet *WalletInfo) error {
	tc.mu.Lock()
	pending := tc.pending
	tc.mu.Unlock()
	if pending == nil {
		return nil
	}
	if pending.Nonce == "" {
		// The POST half never completed; run the full exchange.
		if err := tc.submitBlinded(ctx, wallet); err != nil {
			return err
		}
		tc.mu.Lock()
		pending = tc.pending
		tc.mu.Unlock()
	}

	url := fmt.Sprintf("%s/v1/confirmation/token/%s?nonce=%s", tc.cfg.ConfirmationsURL, wallet.PaymentID, pending.Nonce)
	tc.log.Debug("fetching signed tokens", "url", url)

	resp, err := tc.transport.LoadURL(ctx, url, map[string]string{"Accept": "application/json"}, nil, "", http.MethodGet)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var parsed struct {
		BatchProof   string   `json:"batchProof"`
		SignedTokens []string `json:"signedTokens"`
		PublicKey    string   `json:"publicKey"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}

	if parsed.PublicKey != tc.issuer.IssuancePublicKey {
		tc.log.Warn("issuer key mismatch in refill response", "got", parsed.PublicKey)
		return ErrProofVerification
	}

	issuerKey, err := crypto.DecodeIssuerPublicKey(tc.issuer.IssuancePublicKey)
	if err != nil {
		return &ConfigError{Field: "issuance_public_key", Reason: err.Error()}
	}
	verifyKey, err := crypto.NewPublicKeyFromString(tc.issuer.BatchVerifyKey)
	if err != nil {
		return &ConfigError{Field: "batch_verify_key", Reason: err.Error()}
	}

	if len(parsed.SignedTokens) != len(pending.Tokens) {
		return ErrProofVerification
	}

	tokens := make([]*crypto.Token, len(pending.Tokens))
	blinded := make([]crypto.BlindedToken, len(pending.Blinded))
	signed := make([]crypto.SignedToken, len(parsed.SignedTokens))
	for i := range pending.Tokens {
		if tokens[i], err = crypto.DecodeToken(pending.Tokens[i]); err != nil {
			return fmt.Errorf("corrupt pending token: %w", err)
		}
		if blinded[i], err = crypto.DecodeBlindedToken(pending.Blinded[i]); err != nil {
			return fmt.Errorf("corrupt pending blinded token: %w", err)
		}
		if signed[i], err = crypto.DecodeSignedToken(parsed.SignedTokens[i]); err != nil {
			return &ResponseError{URL: url, Err: err}
		}
	}

	if !crypto.VerifyBatchProof(parsed.BatchProof, blinded, signed, verifyKey) {
		return ErrProofVerification
	}

	unblinded := crypto.VerifyAndUnblind(tokens, blinded, signed, issuerKey)
	if len(unblinded) == 0 {
		return ErrProofVerification
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.unblinded = append(tc.unblinded, unblinded...)
	tc.pending = nil
	if err := tc.persistPoolLocked(); err != nil {
		return err
	}
	if err := tc.persistPendingLocked(); err != nil {
		return err
	}
	tc.log.Info("token pool refilled", "count", len(tc.unblinded))
	return nil
}

// popToken removes and returns one token. Single-use: the caller never puts
// it back.
func (tc *TokenClient) popToken() (*crypto.UnblindedToken, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.unblinded) == 0 {
		return nil, fmt.Errorf("%s token pool empty", tc.kind)
	}
	ut := tc.unblinded[0]
	tc.unblinded = tc.unblinded[1:]
	if err := tc.persistPoolLocked(); err != nil {
		return nil, err
	}
	return ut, nil
}

// RedeemConfirmation spends one confirmation token to attest an ad view.
// The token is consumed at pop time; a failed submission does not return it
// to the pool, so a transport error costs one token. That is deliberate: a
// token that may have reached the server must never be reused.
func (tc *TokenClient) RedeemConfirmation(ctx context.Context, adUUID string) error {
	token, err := tc.popToken()
	if err != nil {
		return err
	}

	confirmationID := uuid.NewString()
	payload, err := json.Marshal(map[string]string{
		"creativeInstanceId": adUUID,
		"tokenPreimage":      token.PreimageBase64(),
	})
	if err != nil {
		return err
	}
	credential := token.Credential(payload)

	url := fmt.Sprintf("%s/v1/confirmation/%s/%s", tc.cfg.ConfirmationsURL, confirmationID, credential)
	tc.log.Debug("redeeming confirmation", "url", url, "ad", adUUID)

	resp, err := tc.transport.LoadURL(ctx, url, map[string]string{"Accept": "application/json"}, payload, "application/json", http.MethodPost)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// Payout redeems every payment token in one PUT. A 200 clears the pool
// whole; any other outcome leaves it untouched for the next scheduled
// attempt. There is no partial accounting.
func (tc *TokenClient) Payout(ctx context.Context, wallet *WalletInfo) error {
	tc.mu.Lock()
	if len(tc.unblinded) == 0 {
		tc.mu.Unlock()
		return nil
	}
	type redemption struct {
		TokenPreimage string `json:"tokenPreimage"`
		Credential    string `json:"credential"`
	}
	redemptions := make([]redemption, len(tc.unblinded))
	bound := []byte(wallet.PaymentID)
	for i, ut := range tc.unblinded {
		redemptions[i] = redemption{
			TokenPreimage: ut.PreimageBase64(),
			Credential:    ut.Credential(bound),
		}
	}
	tc.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"paymentId": wallet.PaymentID,
		"tokens":    redemptions,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/confirmation/payment/%s", tc.cfg.ConfirmationsURL, wallet.PaymentID)
	tc.log.Debug("submitting payout", "url", url, "tokens", len(redemptions))

	resp, err := tc.transport.LoadURL(ctx, url, map[string]string{"Accept": "application/json"}, body, "application/json", http.MethodPut)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.unblinded = nil
	if err := tc.persistPoolLocked(); err != nil {
		return err
	}
	tc.log.Info("payout accepted, pool cleared")
	return nil
}
