package protocol

// Storage key layout. One logical record per key; every mutation rewrites its
// record whole.
const (
	keyWallet         = "wallet"
	keyPublisherPfx   = "publisher:"
	keyReconcilePfx   = "reconcile:"
	keyTransactions   = "transactions"
	keyBallots        = "ballots"
	keyBatchVotes     = "batch_votes"
	keyReconcileStamp = "reconcile_stamp"
	keyRecurring      = "recurring_donations"
	keyPoolPfx        = "token_pool:"
	keyRefillPfx      = "pending_refill:"
	keyBalanceRptPfx  = "balance_report:"
)

// PublisherRecord tracks one publisher's accumulated attention. Records are
// soft-deleted only; audit history is never physically removed.
type PublisherRecord struct {
	ID               string  `json:"id"`
	DurationMS       uint64  `json:"duration_ms"`
	Score            float64 `json:"score"`
	VisitCount       uint32  `json:"visit_count"`
	Verified         bool    `json:"verified"`
	VerifiedAt       int64   `json:"verified_at"`
	Excluded         bool    `json:"excluded"`
	Deleted          bool    `json:"deleted"`
	PinnedPercentage bool    `json:"pinned_percentage"`

	// Percent and Weight are derived columns, rebuilt wholesale by the
	// normalizer on every mutation.
	Percent uint32  `json:"percent"`
	Weight  float64 `json:"weight"`
}

// ReconcileCategory identifies what triggered a contribution cycle.
type ReconcileCategory int

const (
	AutoContribute ReconcileCategory = iota
	RecurringDonation
	DirectDonation
)

// String returns the category name used in logs and reports.
func (c ReconcileCategory) String() string {
	switch c {
	case AutoContribute:
		return "auto-contribute"
	case RecurringDonation:
		return "recurring-donation"
	case DirectDonation:
		return "direct-donation"
	}
	return "unknown"
}

// ReconcileState is the position of a contribution cycle in the reconcile
// pipeline. Complete and Failed are terminal.
type ReconcileState int

const (
	StateCreated ReconcileState = iota
	StateSurveyorRequested
	StateSurveyorObtained
	StateWalletRefreshed
	StatePayloadSubmitted
	StateViewingRegistered
	StateCredentialsExchanged
	StateBallotsPrepared
	StateBatchProofed
	StateVotesPrepared
	StateVotesSubmitted
	StateComplete
	StateFailed
)

var stateNames = map[ReconcileState]string{
	StateCreated:              "created",
	StateSurveyorRequested:    "surveyor-requested",
	StateSurveyorObtained:     "surveyor-obtained",
	StateWalletRefreshed:      "wallet-refreshed",
	StatePayloadSubmitted:     "payload-submitted",
	StateViewingRegistered:    "viewing-registered",
	StateCredentialsExchanged: "credentials-exchanged",
	StateBallotsPrepared:      "ballots-prepared",
	StateBatchProofed:         "batch-proofed",
	StateVotesPrepared:        "votes-prepared",
	StateVotesSubmitted:       "votes-submitted",
	StateComplete:             "complete",
	StateFailed:               "failed",
}

func (s ReconcileState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s ReconcileState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Direction is one leg of a direct donation.
type Direction struct {
	PublisherID string  `json:"publisher_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
}

// ReconcileTask is one in-flight contribution cycle, keyed by viewing id.
// Protocol artifacts are populated progressively as the state machine
// advances and the whole task is persisted after every step.
type ReconcileTask struct {
	ViewingID     string            `json:"viewing_id"`
	Category      ReconcileCategory `json:"category"`
	State         ReconcileState    `json:"state"`
	FailureReason string            `json:"failure_reason,omitempty"`

	Fee        float64            `json:"fee"`
	Publishers []PublisherRecord  `json:"publishers,omitempty"`
	Directions []Direction        `json:"directions,omitempty"`
	Rates      map[string]float64 `json:"rates,omitempty"`

	SurveyorID        string `json:"surveyor_id,omitempty"`
	RegistrarVK       string `json:"registrar_vk,omitempty"`
	AnonizedViewingID string `json:"anonized_viewing_id,omitempty"`
	PreFlight         string `json:"pre_flight,omitempty"`
	MasterUserToken   string `json:"master_user_token,omitempty"`

	// Unsigned transaction returned by the wallet refresh.
	TxAmount      float64 `json:"tx_amount,omitempty"`
	TxCurrency    string  `json:"tx_currency,omitempty"`
	TxDestination string  `json:"tx_destination,omitempty"`
}

// Transaction is one completed reconcile that obtained a surveyor. It carries
// the anonymized credentials every ballot for this viewing id votes with.
type Transaction struct {
	ViewingID         string   `json:"viewing_id"`
	SurveyorID        string   `json:"surveyor_id"`
	ContributionProbi string   `json:"contribution_probi"`
	Currency          string   `json:"currency"`
	SurveyorIDs       []string `json:"surveyor_ids"`
	VotesCast         uint32   `json:"votes_cast"`
	AnonizedViewingID string   `json:"anonized_viewing_id"`
	MasterUserToken   string   `json:"master_user_token"`
}

// VotesAvailable returns how many unspent votes this transaction still holds.
func (t *Transaction) VotesAvailable() uint32 {
	if uint32(len(t.SurveyorIDs)) <= t.VotesCast {
		return 0
	}
	return uint32(len(t.SurveyorIDs)) - t.VotesCast
}

// Ballot is one (transaction, publisher) vote to be cast. It is consumed
// once its proof is folded into a BatchVote.
type Ballot struct {
	ViewingID      string `json:"viewing_id"`
	SurveyorID     string `json:"surveyor_id"`
	PublisherID    string `json:"publisher_id"`
	Offset         uint32 `json:"offset"`
	PreparedBallot string `json:"prepared_ballot,omitempty"`
	Proof          string `json:"proof,omitempty"`
}

// BatchVoteEntry is one proved vote awaiting submission.
type BatchVoteEntry struct {
	SurveyorID string `json:"surveyorId"`
	Proof      string `json:"proof"`
}

// BatchVote groups all proved votes for one publisher. Entries are submitted
// in bounded chunks and removed as the server acknowledges them.
type BatchVote struct {
	PublisherID string           `json:"publisher_id"`
	Entries     []BatchVoteEntry `json:"entries"`
}

// Winner is one publisher's share of a reconcile's votes.
type Winner struct {
	PublisherID string `json:"publisher_id"`
	Votes       uint32 `json:"votes"`
	Percent     uint32 `json:"percent"`
}

// RecurringEntry is one publisher on the recurring donation list.
type RecurringEntry struct {
	PublisherID string  `json:"publisher_id"`
	Weight      float64 `json:"weight"`
}

// BalanceReport tallies completed contributions for one period (one month).
type BalanceReport struct {
	Period            string  `json:"period"`
	AutoContribute    float64 `json:"auto_contribute"`
	RecurringDonation float64 `json:"recurring_donation"`
	DirectDonation    float64 `json:"direct_donation"`
}
