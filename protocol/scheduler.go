package protocol

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.uber.org/atomic"
)

// RefillPayoutScheduler drives the periodic token maintenance of the
// confirmations protocol: keeping both token pools topped up and cashing
// accumulated payment tokens out. Unlike the reconcile pipeline, token work
// retries: a failed refill or payout reschedules itself with a jittered
// delay instead of abandoning the cycle.
type RefillPayoutScheduler struct {
	cfg       *LedgerConfig
	timers    TimerScheduler
	wallet    *WalletInfo
	log       *slog.Logger
	tokens    *TokenClient
	payTokens *TokenClient

	refillTimer atomic.Uint32
	payoutTimer atomic.Uint32
}

// NewRefillPayoutScheduler wires a scheduler over the two token pools.
// Nothing is scheduled until Start.
func NewRefillPayoutScheduler(cfg *LedgerConfig, wallet *WalletInfo, tokens, payTokens *TokenClient, timers TimerScheduler, log *slog.Logger) *RefillPayoutScheduler {
	return &RefillPayoutScheduler{
		cfg:       cfg,
		timers:    timers,
		wallet:    wallet,
		log:       log,
		tokens:    tokens,
		payTokens: payTokens,
	}
}

// jitterDelay spreads a base delay over [base, 1.1*base] so restarting
// clients do not hammer the token server in lockstep.
func jitterDelay(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)/10+1))
}

// Start runs an immediate refill attempt for both pools and schedules the
// first payout.
func (rp *RefillPayoutScheduler) Start(ctx context.Context) {
	rp.refill(ctx)
	rp.schedulePayout()
}

// Stop cancels any pending timers.
func (rp *RefillPayoutScheduler) Stop() {
	if id := rp.refillTimer.Swap(0); id != 0 {
		rp.timers.Kill(TimerID(id))
	}
	if id := rp.payoutTimer.Swap(0); id != 0 {
		rp.timers.Kill(TimerID(id))
	}
}

func (rp *RefillPayoutScheduler) refill(ctx context.Context) {
	rp.refillTimer.Store(0)

	failed := false
	for _, tc := range []*TokenClient{rp.tokens, rp.payTokens} {
		if err := tc.RequestRefill(ctx, rp.wallet); err != nil {
			rp.log.Warn("token refill failed", "err", err)
			failed = true
		}
	}
	if !failed {
		return
	}

	delay := jitterDelay(rp.cfg.RefillRetryDelay)
	rp.log.Info("scheduling refill retry", "delay", delay)
	// A retry resumes the pending exchange: blinded tokens already submitted
	// are fetched rather than regenerated.
	id := rp.timers.Set(delay, func() {
		rp.retryRefill(ctx)
	})
	rp.refillTimer.Store(uint32(id))
}

// retryRefill resumes interrupted exchanges first, then fills any pool that
// still has no refill in flight.
func (rp *RefillPayoutScheduler) retryRefill(ctx context.Context) {
	rp.refillTimer.Store(0)

	failed := false
	for _, tc := range []*TokenClient{rp.tokens, rp.payTokens} {
		var err error
		if tc.RefillPending() {
			err = tc.GetSignedTokens(ctx, rp.wallet)
		} else {
			err = tc.RequestRefill(ctx, rp.wallet)
		}
		if err != nil {
			rp.log.Warn("token refill retry failed", "err", err)
			failed = true
		}
	}
	if !failed {
		return
	}

	delay := jitterDelay(rp.cfg.RefillRetryDelay)
	id := rp.timers.Set(delay, func() {
		rp.retryRefill(ctx)
	})
	rp.refillTimer.Store(uint32(id))
}

// TriggerRefill runs a refill pass now. Redeeming confirmations calls this
// after the pool dips.
func (rp *RefillPayoutScheduler) TriggerRefill(ctx context.Context) {
	if id := rp.refillTimer.Swap(0); id != 0 {
		rp.timers.Kill(TimerID(id))
	}
	rp.refill(ctx)
}

func (rp *RefillPayoutScheduler) schedulePayout() {
	delay := jitterDelay(rp.cfg.PayoutInterval)
	id := rp.timers.Set(delay, func() {
		rp.payout(context.Background())
	})
	rp.payoutTimer.Store(uint32(id))
}

func (rp *RefillPayoutScheduler) payout(ctx context.Context) {
	rp.payoutTimer.Store(0)

	if err := rp.payTokens.Payout(ctx, rp.wallet); err != nil {
		rp.log.Warn("payout failed", "err", err)
		delay := jitterDelay(rp.cfg.RefillRetryDelay)
		id := rp.timers.Set(delay, func() {
			rp.payout(context.Background())
		})
		rp.payoutTimer.Store(uint32(id))
		return
	}
	rp.schedulePayout()
}
