package protocol

import (
	"time"
)

// LedgerConfig provides configuration parameters for the attention ledger.
type LedgerConfig struct {
	// LedgerURL is the base URL of the ledger server (reconcile, surveyors,
	// voting).
	LedgerURL string `yaml:"ledger_url" json:"ledger_url"`

	// ConfirmationsURL is the base URL of the confirmations server (token
	// refill, redemption, payout).
	ConfirmationsURL string `yaml:"confirmations_url" json:"confirmations_url"`

	// MinVisitDuration is the minimum attended time for a visit to count.
	MinVisitDuration time.Duration `yaml:"min_visit_duration" json:"min_visit_duration,string"`

	// MinVisits is the minimum visit count for a publisher to be visible.
	MinVisits uint32 `yaml:"min_visits" json:"min_visits"`

	// AllowNonVerified includes unverified publishers in the visible set.
	AllowNonVerified bool `yaml:"allow_non_verified" json:"allow_non_verified"`

	// ContributionAmount is the monthly auto-contribute amount in BAT.
	ContributionAmount float64 `yaml:"contribution_amount" json:"contribution_amount"`

	// Currency is the contribution currency. Donations in any other currency
	// are rejected.
	Currency string `yaml:"currency" json:"currency"`

	// ReconcileInterval is the period between auto-contribute cycles.
	ReconcileInterval time.Duration `yaml:"reconcile_interval" json:"reconcile_interval,string"`

	// LowTokenThreshold triggers a refill when a pool drops below it.
	LowTokenThreshold int `yaml:"low_token_threshold" json:"low_token_threshold"`

	// HighTokenThreshold is the pool size a refill tops up to.
	HighTokenThreshold int `yaml:"high_token_threshold" json:"high_token_threshold"`

	// VoteBatchSize bounds one vote submission request.
	VoteBatchSize int `yaml:"vote_batch_size" json:"vote_batch_size"`

	// RefillRetryDelay is the base delay before retrying a failed refill.
	RefillRetryDelay time.Duration `yaml:"refill_retry_delay" json:"refill_retry_delay,string"`

	// PayoutInterval is the base period between payment token payouts.
	PayoutInterval time.Duration `yaml:"payout_interval" json:"payout_interval,string"`
}

// DefaultConfig returns the production parameter set.
func DefaultConfig() *LedgerConfig {
	return &LedgerConfig{
		LedgerURL:          "https://ledger.mercury.basicattentiontoken.org",
		ConfirmationsURL:   "https://ads-serve.bravesoftware.com",
		MinVisitDuration:   8 * time.Second,
		MinVisits:          1,
		AllowNonVerified:   true,
		ContributionAmount: 10,
		Currency:           "BAT",
		ReconcileInterval:  30 * 24 * time.Hour,
		LowTokenThreshold:  20,
		HighTokenThreshold: 50,
		VoteBatchSize:      10,
		RefillRetryDelay:   15 * time.Minute,
		PayoutInterval:     24 * time.Hour,
	}
}

// Validate checks the configuration for values the engine cannot run with.
// Called once at startup; a ConfigError here is fatal.
func (c *LedgerConfig) Validate() error {
	if c.MinVisitDuration <= 0 {
		return &ConfigError{Field: "min_visit_duration", Reason: "must be positive"}
	}
	if _, err := NewAttentionScorer(c.MinVisitDuration); err != nil {
		return err
	}
	if c.ContributionAmount <= 0 {
		return &ConfigError{Field: "contribution_amount", Reason: "must be positive"}
	}
	if c.LowTokenThreshold <= 0 || c.HighTokenThreshold <= c.LowTokenThreshold {
		return &ConfigError{Field: "high_token_threshold", Reason: "must exceed low_token_threshold"}
	}
	if c.VoteBatchSize <= 0 {
		return &ConfigError{Field: "vote_batch_size", Reason: "must be positive"}
	}
	return nil
}
