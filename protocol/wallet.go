package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/batnet/ledger/crypto"
)

// WalletInfo is the persisted wallet identity: the Ed25519 key pair, the
// server-assigned payment id, the anonymized user id, and the token issuer
// keys received at registration.
type WalletInfo struct {
	PaymentID  string     `json:"payment_id"`
	UserID     string     `json:"user_id"`
	KeyHex     string     `json:"key_hex"`
	Registered bool       `json:"registered"`
	Issuer     IssuerInfo `json:"issuer"`
}

// SecretKey returns the wallet's Ed25519 private key.
func (w *WalletInfo) SecretKey() crypto.PrivateKey {
	raw, err := hex.DecodeString(w.KeyHex)
	if err != nil {
		return nil
	}
	return crypto.PrivateKey(raw)
}

// PublicKey returns the wallet's Ed25519 public key.
func (w *WalletInfo) PublicKey() crypto.PublicKey {
	pub, err := w.SecretKey().PublicKey()
	if err != nil {
		return nil
	}
	return pub
}

// AnonymizeID converts a GUID into the fixed-width form the anonymization
// library requires: hyphens stripped, then the character at index 12
// removed. The transform must stay bit-exact for server compatibility.
func AnonymizeID(guid string) string {
	s := strings.ReplaceAll(guid, "-", "")
	if len(s) <= 12 {
		return s
	}
	return s[:12] + s[13:]
}

// newWallet generates a local wallet identity awaiting registration.
func newWallet() (*WalletInfo, error) {
	_, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &WalletInfo{
		UserID: AnonymizeID(uuid.NewString()),
		KeyHex: hex.EncodeToString(priv.Bytes()),
	}, nil
}

// registerPersona performs the two-step persona registration: fetch the
// registrar verification key, then submit a credential proof together with
// the wallet public key. The response carries the payment id and the token
// issuer keys.
func registerPersona(ctx context.Context, cfg *LedgerConfig, wallet *WalletInfo, transport Transport, log *slog.Logger) error {
	url := cfg.LedgerURL + "/v2/registrar/persona"
	resp, err := transport.LoadURL(ctx, url, nil, nil, "", http.MethodGet)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var registrar struct {
		RegistrarVK string `json:"registrarVK"`
	}
	if err := json.Unmarshal(resp.Body, &registrar); err != nil {
		return &ResponseError{URL: url, Err: err}
	}

	vc, err := crypto.NewViewingCredential(registrar.RegistrarVK, wallet.UserID)
	if err != nil {
		return err
	}
	proof, err := vc.Proof()
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"requestType": "httpSignature",
		"proof":       proof,
		"publicKey":   wallet.PublicKey().String(),
	})
	if err != nil {
		return err
	}

	url = fmt.Sprintf("%s/v2/registrar/persona/%s", cfg.LedgerURL, wallet.UserID)
	log.Debug("registering persona", "url", url)
	resp, err = transport.LoadURL(ctx, url, nil, body, "application/json", http.MethodPost)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Wallet struct {
			PaymentID string `json:"paymentId"`
		} `json:"wallet"`
		Issuer IssuerInfo `json:"issuer"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}
	if parsed.Wallet.PaymentID == "" {
		return &ResponseError{URL: url, Err: fmt.Errorf("missing payment id")}
	}

	wallet.PaymentID = parsed.Wallet.PaymentID
	wallet.Issuer = parsed.Issuer
	wallet.Registered = true
	log.Info("persona registered", "payment_id", wallet.PaymentID)
	return nil
}

// fetchBalance reads the wallet balance without requesting a fresh
// unsigned transaction.
func fetchBalance(ctx context.Context, cfg *LedgerConfig, wallet *WalletInfo, transport Transport) (float64, error) {
	url := fmt.Sprintf("%s/v2/wallet/%s", cfg.LedgerURL, wallet.PaymentID)
	resp, err := transport.LoadURL(ctx, url, nil, nil, "", http.MethodGet)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Balance float64 `json:"balance,string"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return 0, &ResponseError{URL: url, Err: err}
	}
	return parsed.Balance, nil
}
