// Package testutil provides shared test fixtures for the ledger engine.
//
// NewTestConfig builds a LedgerConfig pointed at fake hosts, customizable
// through functional options. FakeRewardsServer emulates the ledger and
// confirmations servers over a protocol.MockTransport, backed by a real
// token issuer so blind-token proof verification exercises genuine
// signatures end to end.
package testutil
