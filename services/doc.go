// Package services provides the host-side capability implementations the
// protocol package consumes, plus the control API that drives a running
// ledger.
//
// The protocol package owns the engine's behavior but performs no I/O of its
// own: persistence, networking and timers are injected interfaces. This
// package supplies the production implementations:
//
//   - LevelDBStore: protocol.Store over an embedded leveldb database. One
//     keyspace, prefix-namespaced keys, synchronous writes.
//
//   - HTTPTransport: protocol.Transport over net/http. Transient failures
//     (network errors, 429, 5xx) retry with exponential backoff; terminal
//     statuses are delivered to the protocol layer untouched, since status
//     semantics (all-or-nothing payout, token consumption on redeem) belong
//     to the protocol.
//
//   - WallClockScheduler: protocol.TimerScheduler over time.AfterFunc.
//
//   - PostgresArchive: protocol.ContributionArchiver writing an append-only
//     contribution history table, optional at runtime.
//
//   - ControlService: the chi-routed control API. Visits, donations,
//     recurring list management, balance and report reads, and ad-view
//     confirmations come in through it; it is the produced interface the
//     host embeds the engine behind.
//
// Capability fakes for tests live in the protocol package (MemStore,
// MockTransport, ManualTimerScheduler) and testutil (FakeRewardsServer).
package services
