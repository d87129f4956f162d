// Package protocol implements the client-side state machines of the BAT
// attention ledger: the publisher synopsis, the contribution reconcile
// pipeline, and the anonymous token pools.
//
// # Architecture
//
// The Ledger type composes three engines over a small set of injected
// capabilities (Store, Transport, TimerScheduler), so the same protocol code
// runs against leveldb and real HTTP in the daemon and against in-memory
// fakes in tests:
//
//  1. Synopsis: Accumulates per-publisher attention from page visits. Each
//     qualifying visit is scored by a concave duration curve; a wholesale
//     normalizer rebuilds the derived percent and weight columns on every
//     mutation so the visible publisher list always sums to 100 percent.
//
//  2. ReconcileEngine: Turns an attention snapshot (or an explicit donation
//     direction list) into anonymous votes through an eleven-state pipeline.
//     Each step performs one server exchange and persists the whole task
//     before advancing, so a restart resumes from the last completed step.
//     Failures are terminal for the cycle; the next scheduled cycle starts
//     fresh with a new viewing id.
//
//  3. TokenClient pools: Maintain confirmation and payment token pools via
//     a blind-signature refill protocol. Refills are all-or-nothing: the
//     batch proof and every individual signed point must verify or the
//     whole batch is rejected. Token spends consume the token before the
//     redemption result is known, so a failed redemption never risks
//     double-spending.
//
// # Reconcile Pipeline
//
// A contribution cycle walks these states in order:
//
//	Created -> SurveyorRequested -> SurveyorObtained -> WalletRefreshed ->
//	PayloadSubmitted -> ViewingRegistered -> CredentialsExchanged ->
//	BallotsPrepared -> BatchProofed -> VotesPrepared -> VotesSubmitted ->
//	Complete (or Failed from any state)
//
// The wallet-debiting steps run first: the signed transfer payload commits
// the contribution amount against the current surveyor. The voting steps
// then split the purchased votes across winning publishers and submit them
// in batches under anonymized viewing credentials, so the server cannot link
// votes back to the funding wallet.
//
// # Scheduling
//
// RefillPayoutScheduler keeps both token pools topped up and periodically
// flushes redeemed payment tokens to the payment endpoint. Reconcile cycles
// are armed by the Ledger itself from a persisted stamp. All delays are
// jittered upward by as much as ten percent to spread fleet load.
package protocol
