// Package cmd provides the batledger binaries.
//
// # Commands
//
// batledgerd: The attention-ledger daemon. Hosts the publisher synopsis,
// blind-token pools, and the reconcile pipeline over an embedded leveldb
// database, and exposes the control API on a chi router.
//
//	go run ./cmd/batledgerd --config=batledger.yaml
//	go run ./cmd/batledgerd --addr=:8099 --data-dir=./data
//
// batledger: CLI client for a running daemon.
//
//	go run ./cmd/batledger visit --publisher example.com --duration 30s
//	go run ./cmd/batledger balance --refresh
//	go run ./cmd/batledger donate --publisher example.com --amount 5
//
// # Configuration
//
// The daemon takes a YAML configuration file via --config. Command-line
// flags override config file values. See the batledgerd package
// documentation for the full file format.
package cmd
