package protocol

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveSpy struct {
	mu   sync.Mutex
	rows []archiveRow
}

type archiveRow struct {
	category  string
	viewingID string
	amount    float64
}

func (a *archiveSpy) ArchiveContribution(category, viewingID string, amount float64, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, archiveRow{category, viewingID, amount})
	return nil
}

type ledgerFixture struct {
	ledger    *Ledger
	transport *MockTransport
	timers    *ManualTimerScheduler
	store     *MemStore
	archive   *archiveSpy
	tokenSrv  *fakeTokenServer
}

// wireLedgerRoutes installs every server endpoint a full ledger lifecycle
// touches: persona registration, balance, the reconcile pipeline and the
// token issuance endpoints.
func wireLedgerRoutes(t *testing.T, transport *MockTransport, srv *fakeTokenServer, balance string) {
	t.Helper()

	transport.HandleJSON(http.MethodGet, "/v2/registrar/persona",
		http.StatusOK, `{"registrarVK":"persona-registrar-vk"}`)
	transport.HandleJSON(http.MethodPost, "/v2/registrar/persona/", http.StatusOK,
		`{"wallet":{"paymentId":"77777777-6666-5555-4444-333322221111"},"issuer":{}}`)

	srv.wire(transport, nil)
	wireReconcileRoutes(transport, 25)

	// Plain balance reads; the refresh=true route below shadows it for the
	// reconcile pipeline's wallet refresh.
	transport.HandleJSON(http.MethodGet, "/v2/wallet/", http.StatusOK,
		`{"balance":"`+balance+`"}`)
	transport.HandleJSON(http.MethodGet, "refresh=true", http.StatusOK,
		`{"rates":{"USD":0.21},"unsignedTx":{"denomination":{"amount":"10","currency":"BAT"},"destination":"settlement-addr"}}`)
}

func newLedgerFixture(t *testing.T, balance string) *ledgerFixture {
	t.Helper()
	srv := newFakeTokenServer(t)
	transport := NewMockTransport()
	wireLedgerRoutes(t, transport, srv, balance)

	store := NewMemStore()
	timers := NewManualTimerScheduler()
	archive := &archiveSpy{}

	issuers := Issuers{Confirmation: srv.issuerInfo(), Payment: srv.issuerInfo()}
	ledger, err := NewLedger(testConfig(), issuers, transport, store, timers, archive, testLogger())
	require.NoError(t, err)
	require.NoError(t, ledger.Start(context.Background()))

	return &ledgerFixture{ledger, transport, timers, store, archive, srv}
}

func TestLedger_StartRegistersPersonaOnce(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	w := fx.ledger.Wallet()
	assert.True(t, w.Registered)
	assert.Equal(t, "77777777-6666-5555-4444-333322221111", w.PaymentID)
	assert.NotEmpty(t, w.UserID)
	assert.NotContains(t, w.UserID, "-")

	personaPosts := func() int {
		n := 0
		for _, req := range fx.transport.Requests {
			if req.Method == http.MethodPost && strings.Contains(req.URL, "/v2/registrar/persona/") {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, personaPosts())

	// A restart restores the registered wallet instead of re-registering.
	issuers := Issuers{Confirmation: fx.tokenSrv.issuerInfo(), Payment: fx.tokenSrv.issuerInfo()}
	second, err := NewLedger(testConfig(), issuers, fx.transport, fx.store, fx.timers, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))
	assert.Equal(t, w.PaymentID, second.Wallet().PaymentID)
	assert.Equal(t, 1, personaPosts())
}

func TestLedger_StartResumesInterruptedReconcile(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	recorded, err := fx.ledger.RecordVisit("site-a.example", 25*time.Second, false)
	require.NoError(t, err)
	require.True(t, recorded)

	// A cycle is created, then the process dies before any step runs.
	require.NoError(t, fx.ledger.engine.Reconcile("view-interrupted", AutoContribute, nil))

	issuers := Issuers{Confirmation: fx.tokenSrv.issuerInfo(), Payment: fx.tokenSrv.issuerInfo()}
	second, err := NewLedger(testConfig(), issuers, fx.transport, fx.store,
		NewManualTimerScheduler(), fx.archive, testLogger())
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))

	task, ok := second.engine.Task("view-interrupted")
	require.True(t, ok)
	assert.Equal(t, StateComplete, task.State)
	assert.Equal(t, 20.0, second.Balance())

	// Scheduled cycles are no longer wedged behind the stale task.
	assert.NoError(t, second.TriggerAutoContribute(context.Background()))
}

func TestLedger_StartWarmsBalanceAndArmsTimers(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	assert.Equal(t, 30.0, fx.ledger.Balance())
	// Payout timer plus auto-contribute timer.
	assert.Equal(t, 2, fx.timers.PendingCount())

	stamp, err := fx.ledger.loadReconcileStamp()
	require.NoError(t, err)
	assert.Greater(t, stamp, time.Now().Unix())
}

func TestLedger_AutoContributeEndToEnd(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	recorded, err := fx.ledger.RecordVisit("site-a.example", 25*time.Second, false)
	require.NoError(t, err)
	require.True(t, recorded)
	_, err = fx.ledger.RecordVisit("site-b.example", 12*time.Second, false)
	require.NoError(t, err)

	stampBefore, err := fx.ledger.loadReconcileStamp()
	require.NoError(t, err)

	require.NoError(t, fx.ledger.TriggerAutoContribute(context.Background()))

	// Balance debited by the contribution amount.
	assert.Equal(t, 20.0, fx.ledger.Balance())

	// Stamp advanced past the previous one and the timer is re-armed.
	stampAfter, err := fx.ledger.loadReconcileStamp()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stampAfter, stampBefore)
	assert.Equal(t, 2, fx.timers.PendingCount())

	// Monthly report and archive row written.
	report, err := fx.ledger.BalanceReportFor(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 10.0, report.AutoContribute)

	fx.archive.mu.Lock()
	require.Len(t, fx.archive.rows, 1)
	assert.Equal(t, "auto-contribute", fx.archive.rows[0].category)
	assert.Equal(t, 10.0, fx.archive.rows[0].amount)
	fx.archive.mu.Unlock()
}

func TestLedger_AutoContributeInsufficientBalance(t *testing.T) {
	fx := newLedgerFixture(t, "3") // below the contribution amount

	_, err := fx.ledger.RecordVisit("site-a.example", 25*time.Second, false)
	require.NoError(t, err)

	err = fx.ledger.TriggerAutoContribute(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The skipped cycle still advances the schedule.
	assert.Equal(t, 2, fx.timers.PendingCount())
	assert.Equal(t, 0, fx.ledger.engine.TaskCount())
}

func TestLedger_RecurringDonationsChainAutoContribute(t *testing.T) {
	fx := newLedgerFixture(t, "50")

	_, err := fx.ledger.RecordVisit("site-a.example", 25*time.Second, false)
	require.NoError(t, err)

	require.NoError(t, fx.ledger.AddRecurring("creator-one.example", 5))
	require.NoError(t, fx.ledger.AddRecurring("creator-two.example", 3))

	require.NoError(t, fx.ledger.TriggerRecurringDonations(context.Background()))

	// Two completed cycles: the recurring batch, then auto-contribute.
	fx.archive.mu.Lock()
	require.Len(t, fx.archive.rows, 2)
	assert.Equal(t, "recurring-donation", fx.archive.rows[0].category)
	assert.Equal(t, 8.0, fx.archive.rows[0].amount)
	assert.Equal(t, "auto-contribute", fx.archive.rows[1].category)
	fx.archive.mu.Unlock()

	report, err := fx.ledger.BalanceReportFor(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 8.0, report.RecurringDonation)
	assert.Equal(t, 10.0, report.AutoContribute)
}

func TestLedger_RecurringListManagement(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	require.NoError(t, fx.ledger.AddRecurring("a.example", 2))
	require.NoError(t, fx.ledger.AddRecurring("b.example", 3))
	require.NoError(t, fx.ledger.AddRecurring("a.example", 4)) // replaces weight

	list := fx.ledger.RecurringList()
	require.Len(t, list, 2)
	assert.Equal(t, 4.0, list[0].Weight)

	require.NoError(t, fx.ledger.RemoveRecurring("a.example"))
	assert.Len(t, fx.ledger.RecurringList(), 1)

	assert.ErrorIs(t, fx.ledger.AddRecurring("", 1), ErrInvalidDirection)
	assert.ErrorIs(t, fx.ledger.AddRecurring("c.example", 0), ErrInvalidDirection)

	// Survives restart.
	issuers := Issuers{Confirmation: fx.tokenSrv.issuerInfo(), Payment: fx.tokenSrv.issuerInfo()}
	second, err := NewLedger(testConfig(), issuers, fx.transport, fx.store, fx.timers, nil, testLogger())
	require.NoError(t, err)
	assert.Len(t, second.RecurringList(), 1)
}

func TestLedger_DirectDonate(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	err := fx.ledger.DirectDonate(context.Background(), []Direction{
		{PublisherID: "creator.example", Amount: 7, Currency: "BAT"},
	})
	require.NoError(t, err)

	report, err := fx.ledger.BalanceReportFor(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7.0, report.DirectDonation)
	assert.Equal(t, 23.0, fx.ledger.Balance())
}

func TestLedger_ConfirmAdViewSpendsToken(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	before := fx.ledger.confirmations.Count()
	require.Greater(t, before, 0)

	require.NoError(t, fx.ledger.ConfirmAdView(context.Background(), "creative-99"))
	// The pool is still above threshold, so the nudged refill stays local.
	assert.Equal(t, before-1, fx.ledger.confirmations.Count())
}

func TestLedger_ScheduledTimerFiresAutoContribute(t *testing.T) {
	fx := newLedgerFixture(t, "30")

	_, err := fx.ledger.RecordVisit("site-a.example", 25*time.Second, false)
	require.NoError(t, err)

	fx.ledger.mu.Lock()
	timerID := fx.ledger.reconcileTimer
	fx.ledger.mu.Unlock()
	require.NotZero(t, timerID)

	require.True(t, fx.timers.Fire(timerID))

	report, err := fx.ledger.BalanceReportFor(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 10.0, report.AutoContribute)
}
