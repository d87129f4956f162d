package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ContributionArchiver records completed contributions in durable history.
// Implementations may be backed by SQL; a nil archiver disables archiving.
type ContributionArchiver interface {
	ArchiveContribution(category, viewingID string, amount float64, at time.Time) error
}

// Ledger is the top-level engine: it owns the publisher synopsis, the two
// blind-token pools, the reconcile state machine and the refill/payout
// scheduler, and exposes the operations the control surface calls. All host
// capabilities are injected at construction; the ledger itself performs no
// direct I/O.
type Ledger struct {
	cfg       *LedgerConfig
	store     Store
	transport Transport
	timers    TimerScheduler
	log       *slog.Logger
	archive   ContributionArchiver

	wallet        *WalletInfo
	synopsis      *Synopsis
	engine        *ReconcileEngine
	confirmations *TokenClient
	payments      *TokenClient
	scheduler     *RefillPayoutScheduler

	mu             sync.Mutex
	balance        float64
	recurring      []RecurringEntry
	reconcileTimer TimerID
}

// Issuers carries the trust anchors for the two token pools.
type Issuers struct {
	Confirmation IssuerInfo
	Payment      IssuerInfo
}

// NewLedger assembles the engine and restores all persisted state: wallet,
// synopsis records, in-flight reconciles, token pools and the recurring
// donation list. The returned ledger is idle until Start.
func NewLedger(cfg *LedgerConfig, issuers Issuers, transport Transport, store Store, timers TimerScheduler, archive ContributionArchiver, log *slog.Logger) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Ledger{
		cfg:       cfg,
		store:     store,
		transport: transport,
		timers:    timers,
		log:       log,
		archive:   archive,
	}

	wallet, err := loadOrCreateWallet(store)
	if err != nil {
		return nil, err
	}
	l.wallet = wallet

	if l.synopsis, err = NewSynopsis(cfg, store, log); err != nil {
		return nil, err
	}
	if l.confirmations, err = NewTokenClient(ConfirmationTokens, cfg, issuers.Confirmation, transport, store, log); err != nil {
		return nil, err
	}
	if l.payments, err = NewTokenClient(PaymentTokens, cfg, issuers.Payment, transport, store, log); err != nil {
		return nil, err
	}
	if l.engine, err = NewReconcileEngine(cfg, wallet, l.synopsis, transport, store, log, l.cachedBalance, l.contributionComplete); err != nil {
		return nil, err
	}
	l.scheduler = NewRefillPayoutScheduler(cfg, wallet, l.confirmations, l.payments, timers, log)

	if err := loadJSON(store, keyRecurring, &l.recurring); err != nil {
		return nil, err
	}
	return l, nil
}

func loadOrCreateWallet(store Store) (*WalletInfo, error) {
	raw, err := store.Get(keyWallet)
	switch err {
	case nil:
		var w WalletInfo
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("corrupt wallet record: %w", err)
		}
		return &w, nil
	case ErrNotFound:
	default:
		return nil, err
	}

	w, err := newWallet()
	if err != nil {
		return nil, err
	}
	raw, err = json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return w, store.Put(keyWallet, raw)
}

func (l *Ledger) persistWallet() error {
	raw, err := json.Marshal(l.wallet)
	if err != nil {
		return err
	}
	return l.store.Put(keyWallet, raw)
}

// Start registers the persona if needed, warms the balance cache, settles
// any reconcile cycle a previous process left mid-pipeline, kicks the token
// scheduler and arms the auto-contribute timer.
func (l *Ledger) Start(ctx context.Context) error {
	if !l.wallet.Registered {
		if err := registerPersona(ctx, l.cfg, l.wallet, l.transport, l.log); err != nil {
			return fmt.Errorf("persona registration: %w", err)
		}
		if err := l.persistWallet(); err != nil {
			return err
		}
	}

	if _, err := l.RefreshBalance(ctx); err != nil {
		l.log.Warn("initial balance fetch failed", "err", err)
	}

	// Restored non-terminal tasks must reach a terminal state or they would
	// block their category forever.
	l.engine.Resume(ctx)

	l.scheduler.Start(ctx)
	return l.armReconcileTimer()
}

// Stop cancels all scheduled work.
func (l *Ledger) Stop() {
	l.scheduler.Stop()
	l.mu.Lock()
	id := l.reconcileTimer
	l.reconcileTimer = 0
	l.mu.Unlock()
	if id != 0 {
		l.timers.Kill(id)
	}
}

// Wallet returns a copy of the wallet state.
func (l *Ledger) Wallet() WalletInfo {
	return *l.wallet
}

func (l *Ledger) cachedBalance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// RefreshBalance fetches the wallet balance and updates the cached value the
// reconcile preconditions check against.
func (l *Ledger) RefreshBalance(ctx context.Context) (float64, error) {
	balance, err := fetchBalance(ctx, l.cfg, l.wallet, l.transport)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.balance = balance
	l.mu.Unlock()
	return balance, nil
}

// Balance returns the cached wallet balance.
func (l *Ledger) Balance() float64 { return l.cachedBalance() }

// RecordVisit feeds one page visit into the synopsis. ignoreMinTime bypasses
// the minimum-duration filter for media visits whose duration the trigger
// already vetted.
func (l *Ledger) RecordVisit(publisherID string, duration time.Duration, ignoreMinTime bool) (bool, error) {
	_, recorded, err := l.synopsis.RecordVisit(publisherID, duration, ignoreMinTime)
	return recorded, err
}

// PublisherList returns the normalized visible publisher set.
func (l *Ledger) PublisherList() []PublisherRecord {
	return l.synopsis.VisibleSnapshot()
}

// Synopsis exposes the publisher synopsis for flag management.
func (l *Ledger) Synopsis() *Synopsis { return l.synopsis }

// TokenCounts returns the sizes of the confirmation and payment pools.
func (l *Ledger) TokenCounts() (confirmations, payments int) {
	return l.confirmations.Count(), l.payments.Count()
}

// ConfirmAdView redeems one confirmation token to attest an ad view, then
// nudges the refill scheduler in case the pool dipped below threshold.
func (l *Ledger) ConfirmAdView(ctx context.Context, adUUID string) error {
	if err := l.confirmations.RedeemConfirmation(ctx, adUUID); err != nil {
		return err
	}
	l.scheduler.TriggerRefill(ctx)
	return nil
}

// reconcile stamp: unix seconds of the next scheduled auto-contribute.

func (l *Ledger) loadReconcileStamp() (int64, error) {
	raw, err := l.store.Get(keyReconcileStamp)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var stamp int64
	if err := json.Unmarshal(raw, &stamp); err != nil {
		return 0, fmt.Errorf("corrupt reconcile stamp: %w", err)
	}
	return stamp, nil
}

func (l *Ledger) resetReconcileStamp() (int64, error) {
	stamp := time.Now().Add(jitterDelay(l.cfg.ReconcileInterval)).Unix()
	raw, err := json.Marshal(stamp)
	if err != nil {
		return 0, err
	}
	return stamp, l.store.Put(keyReconcileStamp, raw)
}

// armReconcileTimer schedules the next auto-contribute at the persisted
// stamp, creating one with a jittered month-out delay on first run. A stamp
// in the past fires immediately.
func (l *Ledger) armReconcileTimer() error {
	stamp, err := l.loadReconcileStamp()
	if err != nil {
		return err
	}
	if stamp == 0 {
		if stamp, err = l.resetReconcileStamp(); err != nil {
			return err
		}
	}

	delay := time.Until(time.Unix(stamp, 0))
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reconcileTimer != 0 {
		l.timers.Kill(l.reconcileTimer)
	}
	l.reconcileTimer = l.timers.Set(delay, func() {
		ctx := context.Background()
		if err := l.TriggerAutoContribute(ctx); err != nil {
			l.log.Warn("scheduled auto-contribute failed", "err", err)
		}
	})
	return nil
}

// TriggerAutoContribute runs one auto-contribute cycle end to end and arms
// the next one. Precondition failures skip the cycle but still advance the
// stamp so the engine does not retry in a hot loop.
func (l *Ledger) TriggerAutoContribute(ctx context.Context) error {
	viewingID := uuid.NewString()
	err := l.engine.Reconcile(viewingID, AutoContribute, nil)
	if err != nil {
		if _, stampErr := l.resetReconcileStamp(); stampErr != nil {
			l.log.Error("resetting reconcile stamp", "err", stampErr)
		}
		if armErr := l.armReconcileTimer(); armErr != nil {
			l.log.Error("arming reconcile timer", "err", armErr)
		}
		return err
	}
	return l.engine.Run(ctx, viewingID)
}

// TriggerRecurringDonations pays the recurring list, then chains an
// auto-contribute cycle. An empty list degenerates to plain auto-contribute.
func (l *Ledger) TriggerRecurringDonations(ctx context.Context) error {
	l.mu.Lock()
	directions := make([]Direction, 0, len(l.recurring))
	for _, entry := range l.recurring {
		directions = append(directions, Direction{
			PublisherID: entry.PublisherID,
			Amount:      entry.Weight,
			Currency:    l.cfg.Currency,
		})
	}
	l.mu.Unlock()

	if len(directions) == 0 {
		return l.TriggerAutoContribute(ctx)
	}

	viewingID := uuid.NewString()
	if err := l.engine.Reconcile(viewingID, RecurringDonation, directions); err != nil {
		return err
	}
	if err := l.engine.Run(ctx, viewingID); err != nil {
		return err
	}
	return l.TriggerAutoContribute(ctx)
}

// DirectDonate runs a one-off donation cycle for the given directions.
func (l *Ledger) DirectDonate(ctx context.Context, directions []Direction) error {
	viewingID := uuid.NewString()
	if err := l.engine.Reconcile(viewingID, DirectDonation, directions); err != nil {
		return err
	}
	return l.engine.Run(ctx, viewingID)
}

// AddRecurring puts a publisher on the recurring donation list, replacing
// any existing weight.
func (l *Ledger) AddRecurring(publisherID string, weight float64) error {
	if publisherID == "" || weight <= 0 {
		return ErrInvalidDirection
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.recurring {
		if l.recurring[i].PublisherID == publisherID {
			l.recurring[i].Weight = weight
			return l.persistRecurringLocked()
		}
	}
	l.recurring = append(l.recurring, RecurringEntry{PublisherID: publisherID, Weight: weight})
	return l.persistRecurringLocked()
}

// RemoveRecurring drops a publisher from the recurring donation list.
func (l *Ledger) RemoveRecurring(publisherID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.recurring[:0]
	for _, entry := range l.recurring {
		if entry.PublisherID != publisherID {
			kept = append(kept, entry)
		}
	}
	l.recurring = kept
	return l.persistRecurringLocked()
}

// RecurringList returns a copy of the recurring donation list.
func (l *Ledger) RecurringList() []RecurringEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RecurringEntry, len(l.recurring))
	copy(out, l.recurring)
	return out
}

func (l *Ledger) persistRecurringLocked() error {
	raw, err := json.Marshal(l.recurring)
	if err != nil {
		return err
	}
	return l.store.Put(keyRecurring, raw)
}

// reportPeriod formats a balance report key for a point in time, one report
// per calendar month.
func reportPeriod(at time.Time) string {
	return at.Format("2006_01")
}

// BalanceReportFor returns the contribution tallies of one calendar month.
func (l *Ledger) BalanceReportFor(at time.Time) (BalanceReport, error) {
	period := reportPeriod(at)
	report := BalanceReport{Period: period}
	raw, err := l.store.Get(keyBalanceRptPfx + period)
	if err == ErrNotFound {
		return report, nil
	}
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return report, fmt.Errorf("corrupt balance report %s: %w", period, err)
	}
	return report, nil
}

// contributionComplete is the reconcile engine's completion hook: it debits
// the cached balance, advances the auto-contribute stamp, updates the monthly
// balance report and writes the archive row.
func (l *Ledger) contributionComplete(task *ReconcileTask) {
	now := time.Now()

	l.mu.Lock()
	l.balance -= task.Fee
	if l.balance < 0 {
		l.balance = 0
	}
	l.mu.Unlock()

	if task.Category == AutoContribute {
		if _, err := l.resetReconcileStamp(); err != nil {
			l.log.Error("resetting reconcile stamp", "err", err)
		}
		if err := l.armReconcileTimer(); err != nil {
			l.log.Error("arming reconcile timer", "err", err)
		}
	}

	report, err := l.BalanceReportFor(now)
	if err != nil {
		l.log.Error("loading balance report", "err", err)
		report = BalanceReport{Period: reportPeriod(now)}
	}
	switch task.Category {
	case AutoContribute:
		report.AutoContribute += task.Fee
	case RecurringDonation:
		report.RecurringDonation += task.Fee
	case DirectDonation:
		report.DirectDonation += task.Fee
	}
	if raw, err := json.Marshal(&report); err == nil {
		if err := l.store.Put(keyBalanceRptPfx+report.Period, raw); err != nil {
			l.log.Error("persisting balance report", "err", err)
		}
	}

	if l.archive != nil {
		if err := l.archive.ArchiveContribution(task.Category.String(), task.ViewingID, task.Fee, now); err != nil {
			l.log.Error("archiving contribution", "err", err)
		}
	}
}
