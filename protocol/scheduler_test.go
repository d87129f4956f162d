package protocol

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedulerFixture(t *testing.T) (*RefillPayoutScheduler, *fakeTokenServer, *MockTransport, *ManualTimerScheduler, *TokenClient, *TokenClient) {
	t.Helper()
	srv := newFakeTokenServer(t)
	transport := NewMockTransport()
	srv.wire(transport, nil)

	wallet, err := newWallet()
	require.NoError(t, err)
	wallet.PaymentID = "99999999-8888-7777-6666-555544443333"

	cfg := testConfig()
	tokens, err := NewTokenClient(ConfirmationTokens, cfg, srv.issuerInfo(), transport, NewMemStore(), testLogger())
	require.NoError(t, err)
	payTokens, err := NewTokenClient(PaymentTokens, cfg, srv.issuerInfo(), transport, NewMemStore(), testLogger())
	require.NoError(t, err)

	timers := NewManualTimerScheduler()
	rp := NewRefillPayoutScheduler(cfg, wallet, tokens, payTokens, timers, testLogger())
	return rp, srv, transport, timers, tokens, payTokens
}

func TestJitterDelay_StaysWithinTenPercent(t *testing.T) {
	base := 15 * time.Minute
	for i := 0; i < 500; i++ {
		d := jitterDelay(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/10)
	}
}

func TestScheduler_StartFillsPoolsAndSchedulesPayout(t *testing.T) {
	rp, _, _, timers, tokens, payTokens := newSchedulerFixture(t)

	rp.Start(context.Background())

	cfg := testConfig()
	assert.Equal(t, cfg.HighTokenThreshold, tokens.Count())
	assert.Equal(t, cfg.HighTokenThreshold, payTokens.Count())

	// Only the payout timer remains; no retry was needed.
	assert.Equal(t, 1, timers.PendingCount())
	delay, ok := timers.Delay(TimerID(rp.payoutTimer.Load()))
	require.True(t, ok)
	assert.GreaterOrEqual(t, delay, cfg.PayoutInterval)
	assert.LessOrEqual(t, delay, cfg.PayoutInterval+cfg.PayoutInterval/10)
}

func TestScheduler_RefillFailureRetriesUntilServerRecovers(t *testing.T) {
	rp, srv, transport, timers, tokens, payTokens := newSchedulerFixture(t)

	// Token submission fails at first.
	transport.HandleJSON(http.MethodPost, "/v1/confirmation/token/", http.StatusBadGateway, `{}`)

	rp.Start(context.Background())
	assert.Equal(t, 0, tokens.Count())
	assert.Equal(t, 0, payTokens.Count())

	retryID := TimerID(rp.refillTimer.Load())
	require.NotZero(t, retryID)
	delay, ok := timers.Delay(retryID)
	require.True(t, ok)
	cfg := testConfig()
	assert.GreaterOrEqual(t, delay, cfg.RefillRetryDelay)
	assert.LessOrEqual(t, delay, cfg.RefillRetryDelay+cfg.RefillRetryDelay/10)

	// Server recovers; the retry timer completes both refills.
	srv.wire(transport, nil)
	require.True(t, timers.Fire(retryID))

	assert.Equal(t, cfg.HighTokenThreshold, tokens.Count())
	assert.Equal(t, cfg.HighTokenThreshold, payTokens.Count())
	assert.Zero(t, rp.refillTimer.Load())
}

func TestScheduler_RefillRetryResumesPendingExchange(t *testing.T) {
	rp, srv, transport, timers, tokens, _ := newSchedulerFixture(t)

	// The POST half succeeds but fetching signed tokens fails, leaving a
	// nonce-bearing exchange pending.
	transport.HandleJSON(http.MethodGet, "/v1/confirmation/token/", http.StatusBadGateway, `{}`)

	rp.Start(context.Background())
	assert.Equal(t, 0, tokens.Count())
	assert.True(t, tokens.RefillPending())

	posted := 0
	for _, req := range transport.Requests {
		if req.Method == http.MethodPost {
			posted++
		}
	}

	srv.wire(transport, nil)
	require.True(t, timers.Fire(TimerID(rp.refillTimer.Load())))
	assert.Equal(t, testConfig().HighTokenThreshold, tokens.Count())

	// The retry resumed the GET half; no blinded tokens were re-submitted.
	for _, req := range transport.Requests[posted:] {
		assert.NotEqual(t, http.MethodPost, req.Method)
	}
}

func TestScheduler_PayoutRetriesOnFailure(t *testing.T) {
	rp, srv, transport, timers, _, payTokens := newSchedulerFixture(t)

	rp.Start(context.Background())
	full := payTokens.Count()
	require.Greater(t, full, 0)

	transport.HandleJSON(http.MethodPut, "/v1/confirmation/payment/", http.StatusServiceUnavailable, `{}`)
	require.True(t, timers.Fire(TimerID(rp.payoutTimer.Load())))

	// Pool intact, retry scheduled with the shorter retry delay.
	assert.Equal(t, full, payTokens.Count())
	retryID := TimerID(rp.payoutTimer.Load())
	require.NotZero(t, retryID)
	delay, ok := timers.Delay(retryID)
	require.True(t, ok)
	assert.Less(t, delay, testConfig().PayoutInterval)

	srv.wire(transport, nil)
	require.True(t, timers.Fire(retryID))
	assert.Equal(t, 0, payTokens.Count())

	// Next regular payout is on the calendar again.
	assert.NotZero(t, rp.payoutTimer.Load())
}

func TestScheduler_StopCancelsTimers(t *testing.T) {
	rp, _, transport, timers, _, _ := newSchedulerFixture(t)
	transport.HandleJSON(http.MethodPost, "/v1/confirmation/token/", http.StatusBadGateway, `{}`)

	rp.Start(context.Background())
	require.Greater(t, timers.PendingCount(), 0)

	rp.Stop()
	assert.Equal(t, 0, timers.PendingCount())
}
