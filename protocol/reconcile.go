package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/batnet/ledger/crypto"
)

// unsignedTx is the transaction skeleton returned by the wallet refresh.
// Field order is fixed: the signed octets must match the serialized body
// byte for byte.
type unsignedTx struct {
	Denomination struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"denomination"`
	Destination string `json:"destination"`
}

func (tx *unsignedTx) empty() bool {
	return tx.Denomination.Amount == "" && tx.Denomination.Currency == "" && tx.Destination == ""
}

// ReconcileEngine drives contribution cycles through the reconcile pipeline:
// surveyor acquisition, wallet refresh, signed payload submission, viewing
// registration, credential exchange, ballot preparation, batch proof, and
// chunked vote submission.
//
// Steps for one viewing id run strictly sequentially; cycles for different
// viewing ids may interleave. A step failure abandons the cycle in a logged
// Failed state; the next timer-driven reconcile starts fresh. There is no
// per-step retry here, unlike the token protocol's refill path.
type ReconcileEngine struct {
	cfg       *LedgerConfig
	transport Transport
	store     Store
	log       *slog.Logger
	synopsis  *Synopsis
	wallet    *WalletInfo

	// balance returns the last fetched wallet balance. Precondition checks
	// use it without a network call.
	balance func() float64

	// onComplete runs ledger bookkeeping after a cycle reaches Complete.
	onComplete func(task *ReconcileTask)

	mu           sync.Mutex
	tasks        map[string]*ReconcileTask
	transactions []*Transaction
	ballots      []*Ballot
	batchVotes   []*BatchVote
}

// NewReconcileEngine builds an engine and restores persisted tasks,
// transactions, ballots and batch votes.
func NewReconcileEngine(cfg *LedgerConfig, wallet *WalletInfo, synopsis *Synopsis, transport Transport, store Store, log *slog.Logger, balance func() float64, onComplete func(*ReconcileTask)) (*ReconcileEngine, error) {
	e := &ReconcileEngine{
		cfg:        cfg,
		transport:  transport,
		store:      store,
		log:        log,
		synopsis:   synopsis,
		wallet:     wallet,
		balance:    balance,
		onComplete: onComplete,
		tasks:      make(map[string]*ReconcileTask),
	}

	err := store.Iterate(keyReconcilePfx, func(key string, value []byte) error {
		var task ReconcileTask
		if err := json.Unmarshal(value, &task); err != nil {
			return fmt.Errorf("corrupt reconcile task %q: %w", key, err)
		}
		e.tasks[task.ViewingID] = &task
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := loadJSON(store, keyTransactions, &e.transactions); err != nil {
		return nil, err
	}
	if err := loadJSON(store, keyBallots, &e.ballots); err != nil {
		return nil, err
	}
	if err := loadJSON(store, keyBatchVotes, &e.batchVotes); err != nil {
		return nil, err
	}
	return e, nil
}

func loadJSON(store Store, key string, dst any) error {
	raw, err := store.Get(key)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("corrupt %s record: %w", key, err)
	}
	return nil
}

func (e *ReconcileEngine) persistTaskLocked(task *ReconcileTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return e.store.Put(keyReconcilePfx+task.ViewingID, raw)
}

func (e *ReconcileEngine) persistListLocked(key string, list any) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return e.store.Put(key, raw)
}

// ReconcileExists reports whether a non-terminal cycle of the given category
// is in flight.
func (e *ReconcileEngine) ReconcileExists(category ReconcileCategory) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileExistsLocked(category)
}

func (e *ReconcileEngine) reconcileExistsLocked(category ReconcileCategory) bool {
	for _, task := range e.tasks {
		if task.Category == category && !task.State.Terminal() {
			return true
		}
	}
	return false
}

// Task returns a copy of one reconcile task.
func (e *ReconcileEngine) Task(viewingID string) (ReconcileTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[viewingID]
	if !ok {
		return ReconcileTask{}, false
	}
	return *task, true
}

// TaskCount returns the number of known tasks, terminal included.
func (e *ReconcileEngine) TaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Reconcile validates preconditions and creates the cycle's task. All
// precondition failures are reported synchronously: no network call is made
// and nothing is persisted. On success the task is in StateCreated and the
// caller advances it with Run.
func (e *ReconcileEngine) Reconcile(viewingID string, category ReconcileCategory, directions []Direction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tasks[viewingID]; exists {
		return ErrDuplicateReconcile
	}
	if e.reconcileExistsLocked(category) {
		return ErrDuplicateReconcile
	}

	task := &ReconcileTask{
		ViewingID: viewingID,
		Category:  category,
		State:     StateCreated,
	}

	balance := e.balance()
	switch category {
	case AutoContribute:
		publishers := e.synopsis.VisibleSnapshot()
		if len(publishers) == 0 {
			return ErrEmptyContributionList
		}
		if e.cfg.ContributionAmount > balance {
			return ErrInsufficientBalance
		}
		task.Fee = e.cfg.ContributionAmount
		task.Publishers = publishers

	case RecurringDonation:
		if len(directions) == 0 {
			return ErrEmptyContributionList
		}
		var total float64
		for _, d := range directions {
			if d.PublisherID == "" {
				return ErrInvalidDirection
			}
			total += d.Amount
		}
		if total+e.cfg.ContributionAmount > balance {
			return ErrInsufficientBalance
		}
		task.Fee = total
		task.Directions = directions

	case DirectDonation:
		if len(directions) == 0 {
			return ErrEmptyContributionList
		}
		var total float64
		for _, d := range directions {
			if d.PublisherID == "" || d.Currency != e.cfg.Currency {
				return ErrInvalidDirection
			}
			total += d.Amount
		}
		if total > balance {
			return ErrInsufficientBalance
		}
		task.Fee = total
		task.Directions = directions

	default:
		return fmt.Errorf("unknown reconcile category %d", category)
	}

	if err := e.persistTaskLocked(task); err != nil {
		return err
	}
	e.tasks[viewingID] = task
	e.log.Info("reconcile created", "viewing_id", viewingID, "category", category.String(), "fee", task.Fee)
	return nil
}

// pipelineStep pairs a step with the state it leaves the task in when it
// completes. Run uses the pairing to skip steps a previous process already
// finished.
type pipelineStep struct {
	run  func(context.Context, string) error
	done ReconcileState
}

func (e *ReconcileEngine) pipeline() []pipelineStep {
	return []pipelineStep{
		{e.requestSurveyor, StateSurveyorObtained},
		{e.refreshWallet, StateWalletRefreshed},
		{e.submitPayload, StatePayloadSubmitted},
		{e.registerViewing, StateViewingRegistered},
		{e.exchangeCredentials, StateCredentialsExchanged},
		{e.prepareBallots, StateBallotsPrepared},
		{e.proveBallots, StateBatchProofed},
		{e.prepareVotes, StateVotesPrepared},
		{e.submitVotes, StateVotesSubmitted},
	}
}

// Run advances a cycle from its current state to a terminal state. Steps the
// persisted state records as complete are skipped, so a task restored after
// a restart picks up where the previous process stopped. Any step error
// moves the task to Failed with a logged reason and is returned to the
// caller; the cycle is not retried.
func (e *ReconcileEngine) Run(ctx context.Context, viewingID string) error {
	task, ok := e.Task(viewingID)
	if !ok {
		return fmt.Errorf("no reconcile task for viewing id %s", viewingID)
	}
	if task.State.Terminal() {
		return nil
	}

	for _, step := range e.pipeline() {
		if task.State >= step.done {
			continue
		}
		if err := step.run(ctx, viewingID); err != nil {
			e.fail(viewingID, err)
			return err
		}
	}
	return e.complete(viewingID)
}

// Resume drives every restored non-terminal cycle to a terminal state. A
// step failure marks its cycle Failed as usual and does not stop the
// remaining cycles.
func (e *ReconcileEngine) Resume(ctx context.Context) {
	e.mu.Lock()
	pending := make([]string, 0)
	for id, task := range e.tasks {
		if !task.State.Terminal() {
			pending = append(pending, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(pending)

	for _, id := range pending {
		e.log.Info("resuming reconcile", "viewing_id", id)
		if err := e.Run(ctx, id); err != nil {
			e.log.Error("resumed reconcile failed", "viewing_id", id, "err", err)
		}
	}
}

func (e *ReconcileEngine) fail(viewingID string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[viewingID]
	if !ok {
		return
	}
	e.log.Error("reconcile failed",
		"viewing_id", viewingID,
		"state", task.State.String(),
		"err", cause)
	task.State = StateFailed
	task.FailureReason = cause.Error()
	if err := e.persistTaskLocked(task); err != nil {
		e.log.Error("persisting failed task", "viewing_id", viewingID, "err", err)
	}
}

func (e *ReconcileEngine) setState(viewingID string, state ReconcileState, update func(*ReconcileTask)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[viewingID]
	if !ok {
		return fmt.Errorf("no reconcile task for viewing id %s", viewingID)
	}
	if update != nil {
		update(task)
	}
	task.State = state
	return e.persistTaskLocked(task)
}

func (e *ReconcileEngine) get(ctx context.Context, url string) ([]byte, error) {
	e.log.Debug("reconcile request", "method", "GET", "url", url)
	resp, err := e.transport.LoadURL(ctx, url, nil, nil, "", http.MethodGet)
	if err != nil {
		return nil, err
	}
	e.log.Debug("reconcile response", "url", url, "status", resp.StatusCode, "body", string(resp.Body))
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (e *ReconcileEngine) requestSurveyor(ctx context.Context, viewingID string) error {
	if err := e.setState(viewingID, StateSurveyorRequested, nil); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v2/surveyor/contribution/current/%s", e.cfg.LedgerURL, e.wallet.UserID)
	body, err := e.get(ctx, url)
	if err != nil {
		return err
	}

	var parsed struct {
		SurveyorID string `json:"surveyorId"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}
	if parsed.SurveyorID == "" {
		return &ResponseError{URL: url, Err: fmt.Errorf("missing surveyor id")}
	}

	return e.setState(viewingID, StateSurveyorObtained, func(t *ReconcileTask) {
		t.SurveyorID = parsed.SurveyorID
	})
}

func (e *ReconcileEngine) refreshWallet(ctx context.Context, viewingID string) error {
	task, ok := e.Task(viewingID)
	if !ok {
		return fmt.Errorf("no reconcile task for viewing id %s", viewingID)
	}

	url := fmt.Sprintf("%s/v2/wallet/%s?refresh=true&amount=%g&altcurrency=%s",
		e.cfg.LedgerURL, e.wallet.PaymentID, task.Fee, e.cfg.Currency)
	body, err := e.get(ctx, url)
	if err != nil {
		return err
	}

	var parsed struct {
		Rates      map[string]float64 `json:"rates"`
		UnsignedTx unsignedTx         `json:"unsignedTx"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}
	if parsed.UnsignedTx.empty() {
		return &ResponseError{URL: url, Err: fmt.Errorf("server returned nothing to sign")}
	}

	amount, err := strconv.ParseFloat(parsed.UnsignedTx.Denomination.Amount, 64)
	if err != nil {
		return &ResponseError{URL: url, Err: fmt.Errorf("bad transaction amount %q: %w", parsed.UnsignedTx.Denomination.Amount, err)}
	}

	return e.setState(viewingID, StateWalletRefreshed, func(t *ReconcileTask) {
		t.Rates = parsed.Rates
		t.TxAmount = amount
		t.TxCurrency = parsed.UnsignedTx.Denomination.Currency
		t.TxDestination = parsed.UnsignedTx.Destination
	})
}

func (e *ReconcileEngine) submitPayload(ctx context.Context, viewingID string) error {
	task, ok := e.Task(viewingID)
	if !ok {
		return fmt.Errorf("no reconcile task for viewing id %s", viewingID)
	}

	tx := unsignedTx{Destination: task.TxDestination}
	tx.Denomination.Amount = fmt.Sprintf("%g", task.TxAmount)
	tx.Denomination.Currency = task.TxCurrency
	octets, err := json.Marshal(&tx)
	if err != nil {
		return err
	}

	digest, signature, err := crypto.BuildRequestSignature(e.wallet.SecretKey(), "primary", octets)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"requestType": "httpSignature",
		"signedTx": map[string]any{
			"headers": map[string]string{
				"digest":    digest,
				"signature": signature,
			},
			"body":   &tx,
			"octets": string(octets),
		},
		"surveyorId": task.SurveyorID,
		"viewingId":  task.ViewingID,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v2/wallet/%s", e.cfg.LedgerURL, e.wallet.PaymentID)
	e.log.Debug("reconcile request", "method", "PUT", "url", url, "digest", digest)
	resp, err := e.transport.LoadURL(ctx, url, nil, payload, "application/json", http.MethodPut)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Probi       string `json:"probi"`
		Altcurrency string `json:"altcurrency"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}

	e.mu.Lock()
	e.transactions = append(e.transactions, &Transaction{
		ViewingID:         task.ViewingID,
		SurveyorID:        task.SurveyorID,
		ContributionProbi: parsed.Probi,
		Currency:          parsed.Altcurrency,
	})
	if err := e.persistListLocked(keyTransactions, e.transactions); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	return e.setState(viewingID, StatePayloadSubmitted, nil)
}

func (e *ReconcileEngine) registerViewing(ctx context.Context, viewingID string) error {
	url := e.cfg.LedgerURL + "/v2/registrar/viewing"
	body, err := e.get(ctx, url)
	if err != nil {
		return err
	}

	var parsed struct {
		RegistrarVK string `json:"registrarVK"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}
	if parsed.RegistrarVK == "" {
		return &ResponseError{URL: url, Err: fmt.Errorf("missing registrar key")}
	}

	return e.setState(viewingID, StateViewingRegistered, func(t *ReconcileTask) {
		t.RegistrarVK = parsed.RegistrarVK
	})
}

func (e *ReconcileEngine) exchangeCredentials(ctx context.Context, viewingID string) error {
	task, ok := e.Task(viewingID)
	if !ok {
		return fmt.Errorf("no reconcile task for viewing id %s", viewingID)
	}

	anonized := AnonymizeID(task.ViewingID)

	// A resumed task may already hold a pre-flight secret from a run that
	// died between the registration request and its response. Reusing it
	// keeps the registrar-side commitment stable.
	var vc *crypto.ViewingCredential
	var err error
	if task.PreFlight != "" {
		vc, err = crypto.RestoreViewingCredential(task.RegistrarVK, anonized, task.PreFlight)
	} else {
		vc, err = crypto.NewViewingCredential(task.RegistrarVK, anonized)
	}
	if err != nil {
		return err
	}
	proof, err := vc.Proof()
	if err != nil {
		return err
	}

	if err := e.setState(viewingID, StateViewingRegistered, func(t *ReconcileTask) {
		t.AnonizedViewingID = anonized
		t.PreFlight = vc.PreFlight()
	}); err != nil {
		return err
	}

	reqBody, err := json.Marshal(map[string]string{"proof": proof})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v2/registrar/viewing/%s", e.cfg.LedgerURL, anonized)
	e.log.Debug("reconcile request", "method", "POST", "url", url)
	resp, err := e.transport.LoadURL(ctx, url, nil, reqBody, "application/json", http.MethodPost)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Verification string   `json:"verification"`
		SurveyorIDs  []string `json:"surveyorIds"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return &ResponseError{URL: url, Err: err}
	}
	if len(parsed.SurveyorIDs) == 0 {
		return &ResponseError{URL: url, Err: fmt.Errorf("no vote surveyors granted")}
	}

	masterToken := vc.MasterToken(parsed.Verification)

	e.mu.Lock()
	for _, txn := range e.transactions {
		if txn.ViewingID != task.ViewingID {
			continue
		}
		txn.AnonizedViewingID = anonized
		txn.MasterUserToken = masterToken
		txn.SurveyorIDs = parsed.SurveyorIDs
	}
	if err := e.persistListLocked(keyTransactions, e.transactions); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	return e.setState(viewingID, StateCredentialsExchanged, func(t *ReconcileTask) {
		t.MasterUserToken = masterToken
	})
}

// donationWinners allocates votes across explicit directions by weight,
// with the same decrement-largest overflow correction the synopsis applies.
func donationWinners(directions []Direction, ballotCount uint32) []Winner {
	var total float64
	for _, d := range directions {
		total += d.Amount
	}
	if total <= 0 {
		return nil
	}

	winners := make([]Winner, 0, len(directions))
	var totalVotes uint32
	for _, d := range directions {
		votes := uint32(math.Round(d.Amount / total * float64(ballotCount)))
		winners = append(winners, Winner{PublisherID: d.PublisherID, Votes: votes})
		totalVotes += votes
	}
	for totalVotes > ballotCount {
		max := 0
		for i := range winners {
			if winners[i].Votes > winners[max].Votes {
				max = i
			}
		}
		if winners[max].Votes == 0 {
			break
		}
		winners[max].Votes--
		totalVotes--
	}
	return winners
}

func (e *ReconcileEngine) prepareBallots(ctx context.Context, viewingID string) error {
	task, ok := e.Task(viewingID)
	if !ok {
		return fmt.Errorf("no reconcile task for viewing id %s", viewingID)
	}

	e.mu.Lock()
	var available uint32
	for _, txn := range e.transactions {
		if txn.ViewingID == viewingID {
			available += txn.VotesAvailable()
		}
	}
	e.mu.Unlock()

	var winners []Winner
	if task.Category == AutoContribute {
		winners = e.synopsis.Winners(available)
	} else {
		winners = donationWinners(task.Directions, available)
	}
	if len(winners) == 0 {
		return fmt.Errorf("no vote winners for viewing id %s", viewingID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range winners {
		for v := uint32(0); v < w.Votes; v++ {
			assigned := false
			for _, txn := range e.transactions {
				if txn.ViewingID != viewingID || txn.VotesAvailable() == 0 {
					continue
				}
				e.ballots = append(e.ballots, &Ballot{
					ViewingID:   viewingID,
					SurveyorID:  txn.SurveyorIDs[txn.VotesCast],
					PublisherID: w.PublisherID,
					Offset:      txn.VotesCast,
				})
				txn.VotesCast++
				assigned = true
				break
			}
			if !assigned {
				break
			}
		}
	}
	if err := e.persistListLocked(keyBallots, e.ballots); err != nil {
		return err
	}
	if err := e.persistListLocked(keyTransactions, e.transactions); err != nil {
		return err
	}

	task2 := e.tasks[viewingID]
	task2.State = StateBallotsPrepared
	return e.persistTaskLocked(task2)
}

func (e *ReconcileEngine) proveBallots(ctx context.Context, viewingID string) error {
	task, ok := e.Task(viewingID)
	if !ok {
		return fmt.Errorf("no reconcile task for viewing id %s", viewingID)
	}

	url := fmt.Sprintf("%s/v2/batch/surveyor/voting/%s", e.cfg.LedgerURL, task.AnonizedViewingID)
	body, err := e.get(ctx, url)
	if err != nil {
		return err
	}

	var surveyors []struct {
		SurveyorID string `json:"surveyorId"`
		SurveyVK   string `json:"surveyVK"`
		Signature  string `json:"signature"`
	}
	if err := json.Unmarshal(body, &surveyors); err != nil {
		return &ResponseError{URL: url, Err: err}
	}
	byID := make(map[string]int, len(surveyors))
	for i, s := range surveyors {
		byID[s.SurveyorID] = i
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ballot := range e.ballots {
		if ballot.ViewingID != viewingID || ballot.Proof != "" {
			continue
		}
		idx, ok := byID[ballot.SurveyorID]
		if !ok {
			return fmt.Errorf("surveyor %s missing from batch response", ballot.SurveyorID)
		}

		msg, err := json.Marshal(map[string]string{"publisher": ballot.PublisherID})
		if err != nil {
			return err
		}
		ballot.PreparedBallot = string(msg)
		ballot.Proof = crypto.SubmitMessage(string(msg), task.MasterUserToken, task.RegistrarVK,
			surveyors[idx].SurveyorID, surveyors[idx].SurveyVK, surveyors[idx].Signature)
	}
	if err := e.persistListLocked(keyBallots, e.ballots); err != nil {
		return err
	}

	task2 := e.tasks[viewingID]
	task2.State = StateBatchProofed
	return e.persistTaskLocked(task2)
}

// prepareVotes folds proved ballots into per-publisher batch votes and
// removes them from the pending ballot list.
func (e *ReconcileEngine) prepareVotes(ctx context.Context, viewingID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	remaining := e.ballots[:0]
	for _, ballot := range e.ballots {
		if ballot.ViewingID != viewingID || ballot.Proof == "" {
			remaining = append(remaining, ballot)
			continue
		}

		var bv *BatchVote
		for _, existing := range e.batchVotes {
			if existing.PublisherID == ballot.PublisherID {
				bv = existing
				break
			}
		}
		if bv == nil {
			bv = &BatchVote{PublisherID: ballot.PublisherID}
			e.batchVotes = append(e.batchVotes, bv)
		}
		bv.Entries = append(bv.Entries, BatchVoteEntry{
			SurveyorID: ballot.SurveyorID,
			Proof:      ballot.Proof,
		})
	}
	e.ballots = remaining

	if err := e.persistListLocked(keyBallots, e.ballots); err != nil {
		return err
	}
	if err := e.persistListLocked(keyBatchVotes, e.batchVotes); err != nil {
		return err
	}

	task := e.tasks[viewingID]
	task.State = StateVotesPrepared
	return e.persistTaskLocked(task)
}

// submitVotes POSTs batch votes in bounded chunks, removing entries as the
// server acknowledges each chunk.
func (e *ReconcileEngine) submitVotes(ctx context.Context, viewingID string) error {
	for {
		e.mu.Lock()
		var bv *BatchVote
		for _, candidate := range e.batchVotes {
			if len(candidate.Entries) > 0 {
				bv = candidate
				break
			}
		}
		if bv == nil {
			e.mu.Unlock()
			break
		}
		chunk := bv.Entries
		if len(chunk) > e.cfg.VoteBatchSize {
			chunk = chunk[:e.cfg.VoteBatchSize]
		}
		publisherID := bv.PublisherID
		e.mu.Unlock()

		body, err := json.Marshal(chunk)
		if err != nil {
			return err
		}

		url := e.cfg.LedgerURL + "/v2/batch/surveyor/voting"
		e.log.Debug("submitting votes", "url", url, "publisher", publisherID, "count", len(chunk))
		resp, err := e.transport.LoadURL(ctx, url, nil, body, "application/json", http.MethodPost)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &StatusError{URL: url, StatusCode: resp.StatusCode}
		}

		e.mu.Lock()
		bv.Entries = bv.Entries[len(chunk):]
		if len(bv.Entries) == 0 {
			kept := e.batchVotes[:0]
			for _, candidate := range e.batchVotes {
				if candidate != bv {
					kept = append(kept, candidate)
				}
			}
			e.batchVotes = kept
		}
		if err := e.persistListLocked(keyBatchVotes, e.batchVotes); err != nil {
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
	}

	return e.setState(viewingID, StateVotesSubmitted, nil)
}

func (e *ReconcileEngine) complete(viewingID string) error {
	if err := e.setState(viewingID, StateComplete, nil); err != nil {
		return err
	}

	task, _ := e.Task(viewingID)
	e.log.Info("reconcile complete",
		"viewing_id", viewingID,
		"category", task.Category.String(),
		"fee", task.Fee)

	if e.onComplete != nil {
		e.onComplete(&task)
	}
	return nil
}
