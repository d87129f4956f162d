// Command batledger provides CLI tools for driving a running batledgerd daemon.
//
// # Commands
//
// visit: Report a page visit to the synopsis.
//
//	batledger visit --publisher=example.com --duration=30s
//
// publishers: Print the normalized visible publisher list.
//
//	batledger publishers
//
// balance: Print the cached wallet balance (--refresh to re-fetch).
//
//	batledger balance --refresh
//
// donate: Make a one-off donation to a publisher.
//
//	batledger donate --publisher=example.com --amount=5
//
// recurring: Manage the recurring donation list.
//
//	batledger recurring list
//	batledger recurring add --publisher=example.com --weight=5
//	batledger recurring remove --publisher=example.com
//
// contribute: Run recurring donations and auto-contribute now.
//
//	batledger contribute
//
// adview: Redeem a confirmation token for an ad view.
//
//	batledger adview --creative=abc-123
//
// report: Print the current month's contribution tallies.
//
//	batledger report
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/batnet/ledger/protocol"
	"github.com/batnet/ledger/services"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "visit":
		err = runVisit(args)
	case "publishers":
		err = runPublishers(args)
	case "balance":
		err = runBalance(args)
	case "wallet":
		err = runWallet(args)
	case "donate":
		err = runDonate(args)
	case "recurring":
		err = runRecurring(args)
	case "contribute":
		err = runContribute(args)
	case "adview":
		err = runAdView(args)
	case "report":
		err = runReport(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`batledger - CLI tools for a running batledgerd daemon

Usage:
  batledger <command> [options]

Commands:
  visit        Report a page visit
  publishers   Print the visible publisher list
  balance      Print the wallet balance
  wallet       Print the wallet payment id and registration state
  donate       Make a one-off donation
  recurring    Manage recurring donations (list/add/remove)
  contribute   Run recurring donations and auto-contribute now
  adview       Redeem a confirmation token for an ad view
  report       Print the current month's contribution tallies

All commands accept --daemon=<url> (default: http://localhost:8099).`)
}

// client is a thin JSON client for the daemon's control API.
type client struct {
	base string
	http *http.Client
}

func newClient(daemonURL string) *client {
	if daemonURL == "" {
		daemonURL = "http://localhost:8099"
	}
	return &client{
		base: daemonURL,
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *client) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// popFlag consumes the value of a --flag at index i, advancing i.
func popFlag(args []string, i *int) string {
	*i++
	if *i < len(args) {
		return args[*i]
	}
	return ""
}

// --- visit ---

func runVisit(args []string) error {
	var (
		daemonURL string
		publisher string
		duration  time.Duration
		media     bool
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--daemon", "-d":
			daemonURL = popFlag(args, &i)
		case "--publisher", "-p":
			publisher = popFlag(args, &i)
		case "--duration":
			duration, _ = time.ParseDuration(popFlag(args, &i))
		case "--media", "-m":
			media = true
		case "--help", "-h":
			fmt.Println(`batledger visit --publisher=<id> --duration=<dur>

Options:
  --publisher, -p   Publisher identity (required)
  --duration        Visit duration, e.g. 30s (required)
  --media, -m       Media visit: skip the minimum-duration filter
  --daemon, -d      Daemon URL (default: http://localhost:8099)`)
			return nil
		}
	}
	if publisher == "" {
		return fmt.Errorf("--publisher is required")
	}
	if duration <= 0 {
		return fmt.Errorf("--duration is required and must be > 0")
	}

	var result struct {
		Recorded bool `json:"recorded"`
	}
	err := newClient(daemonURL).do(http.MethodPost, "/api/v1/visit", services.VisitRequest{
		PublisherID:   publisher,
		DurationMS:    uint64(duration.Milliseconds()),
		IgnoreMinTime: media,
	}, &result)
	if err != nil {
		return err
	}
	if result.Recorded {
		fmt.Printf("Recorded visit to %s (%s)\n", publisher, duration)
	} else {
		fmt.Printf("Visit to %s below attention thresholds, not recorded\n", publisher)
	}
	return nil
}

// --- publishers ---

func runPublishers(args []string) error {
	daemonURL := daemonFlag(args)

	var publishers []protocol.PublisherRecord
	if err := newClient(daemonURL).do(http.MethodGet, "/api/v1/publishers", nil, &publishers); err != nil {
		return err
	}
	if len(publishers) == 0 {
		fmt.Println("No visible publishers.")
		return nil
	}

	fmt.Printf("%-40s %8s %8s %10s %s\n", "PUBLISHER", "VISITS", "PERCENT", "DURATION", "VERIFIED")
	for _, p := range publishers {
		fmt.Printf("%-40s %8d %7d%% %10s %v\n",
			p.ID, p.VisitCount, p.Percent,
			(time.Duration(p.DurationMS) * time.Millisecond).String(), p.Verified)
	}
	return nil
}

// --- balance / wallet ---

func runBalance(args []string) error {
	var (
		daemonURL string
		refresh   bool
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--daemon", "-d":
			daemonURL = popFlag(args, &i)
		case "--refresh", "-r":
			refresh = true
		}
	}

	path := "/api/v1/balance"
	if refresh {
		path += "?refresh=true"
	}
	var result struct {
		Balance float64 `json:"balance"`
	}
	if err := newClient(daemonURL).do(http.MethodGet, path, nil, &result); err != nil {
		return err
	}
	fmt.Printf("Balance: %g BAT\n", result.Balance)
	return nil
}

func runWallet(args []string) error {
	daemonURL := daemonFlag(args)

	var result struct {
		PaymentID  string `json:"payment_id"`
		Registered bool   `json:"registered"`
	}
	if err := newClient(daemonURL).do(http.MethodGet, "/api/v1/wallet", nil, &result); err != nil {
		return err
	}
	fmt.Printf("Payment ID: %s\nRegistered: %v\n", result.PaymentID, result.Registered)
	return nil
}

// --- donate ---

func runDonate(args []string) error {
	var (
		daemonURL string
		publisher string
		amount    float64
		currency  string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--daemon", "-d":
			daemonURL = popFlag(args, &i)
		case "--publisher", "-p":
			publisher = popFlag(args, &i)
		case "--amount", "-a":
			amount, _ = strconv.ParseFloat(popFlag(args, &i), 64)
		case "--currency":
			currency = popFlag(args, &i)
		case "--help", "-h":
			fmt.Println(`batledger donate --publisher=<id> --amount=<bat>

Options:
  --publisher, -p   Publisher identity (required)
  --amount, -a      Donation amount in BAT (required)
  --currency        Currency code (default: BAT)
  --daemon, -d      Daemon URL (default: http://localhost:8099)`)
			return nil
		}
	}
	if publisher == "" {
		return fmt.Errorf("--publisher is required")
	}
	if amount <= 0 {
		return fmt.Errorf("--amount is required and must be > 0")
	}
	if currency == "" {
		currency = "BAT"
	}

	err := newClient(daemonURL).do(http.MethodPost, "/api/v1/donate", services.DonateRequest{
		Directions: []protocol.Direction{{PublisherID: publisher, Amount: amount, Currency: currency}},
	}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Donated %g %s to %s\n", amount, currency, publisher)
	return nil
}

// --- recurring ---

func runRecurring(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: batledger recurring <list|add|remove> [options]")
	}
	sub := args[0]
	args = args[1:]

	var (
		daemonURL string
		publisher string
		weight    float64
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--daemon", "-d":
			daemonURL = popFlag(args, &i)
		case "--publisher", "-p":
			publisher = popFlag(args, &i)
		case "--weight", "-w":
			weight, _ = strconv.ParseFloat(popFlag(args, &i), 64)
		}
	}

	c := newClient(daemonURL)
	var entries []protocol.RecurringEntry

	switch sub {
	case "list":
		if err := c.do(http.MethodGet, "/api/v1/recurring", nil, &entries); err != nil {
			return err
		}
	case "add":
		if publisher == "" {
			return fmt.Errorf("--publisher is required")
		}
		if weight <= 0 {
			return fmt.Errorf("--weight is required and must be > 0")
		}
		err := c.do(http.MethodPost, "/api/v1/recurring", services.RecurringRequest{
			PublisherID: publisher,
			Weight:      weight,
		}, &entries)
		if err != nil {
			return err
		}
	case "remove":
		if publisher == "" {
			return fmt.Errorf("--publisher is required")
		}
		path := "/api/v1/recurring/" + url.PathEscape(publisher)
		if err := c.do(http.MethodDelete, path, nil, &entries); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown recurring subcommand: %s", sub)
	}

	if len(entries) == 0 {
		fmt.Println("No recurring donations.")
		return nil
	}
	fmt.Printf("%-40s %s\n", "PUBLISHER", "WEIGHT")
	for _, e := range entries {
		fmt.Printf("%-40s %g\n", e.PublisherID, e.Weight)
	}
	return nil
}

// --- contribute / adview / report ---

func runContribute(args []string) error {
	daemonURL := daemonFlag(args)
	if err := newClient(daemonURL).do(http.MethodPost, "/api/v1/contribute", struct{}{}, nil); err != nil {
		return err
	}
	fmt.Println("Contribution cycle complete.")
	return nil
}

func runAdView(args []string) error {
	var (
		daemonURL string
		creative  string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--daemon", "-d":
			daemonURL = popFlag(args, &i)
		case "--creative", "-c":
			creative = popFlag(args, &i)
		}
	}
	if creative == "" {
		return fmt.Errorf("--creative is required")
	}

	err := newClient(daemonURL).do(http.MethodPost, "/api/v1/adview", services.AdViewRequest{
		CreativeID: creative,
	}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Confirmed ad view for creative %s\n", creative)
	return nil
}

func runReport(args []string) error {
	daemonURL := daemonFlag(args)

	var report protocol.BalanceReport
	if err := newClient(daemonURL).do(http.MethodGet, "/api/v1/report", nil, &report); err != nil {
		return err
	}
	fmt.Printf("Period: %s\n", report.Period)
	fmt.Printf("  Auto-contribute:    %g BAT\n", report.AutoContribute)
	fmt.Printf("  Recurring donation: %g BAT\n", report.RecurringDonation)
	fmt.Printf("  Direct donation:    %g BAT\n", report.DirectDonation)
	return nil
}

// daemonFlag scans args for --daemon for commands with no other options.
func daemonFlag(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "--daemon" || args[i] == "-d" {
			i++
			if i < len(args) {
				return args[i]
			}
		}
	}
	return ""
}
