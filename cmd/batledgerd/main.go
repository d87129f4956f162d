// Command batledgerd runs the attention-ledger daemon.
//
// The daemon hosts the full engine: publisher synopsis, blind-token pools,
// the reconcile pipeline and its schedulers, persisted in an embedded
// leveldb database. A chi-routed control API exposes the engine to local
// tooling and browser surfaces.
//
// # Configuration File
//
// Create a YAML file with daemon settings:
//
//	listen_addr: ":8099"
//	data_dir: "/var/lib/batledger"
//	ledger:
//	  ledger_url: "https://ledger.example.com"
//	  confirmations_url: "https://confirmations.example.com"
//	  contribution_amount: 10
//	  min_visit_duration: 8s
//	issuers:
//	  confirmation:
//	    issuance_public_key: "<base64>"
//	    batch_verify_key: "<hex>"
//	  payment:
//	    issuance_public_key: "<base64>"
//	    batch_verify_key: "<hex>"
//	archive:
//	  enabled: false
//
// # Endpoints
//
//   - POST /api/v1/visit - Record a page visit
//   - GET  /api/v1/publishers - Normalized visible publisher list
//   - GET  /api/v1/balance - Wallet balance (?refresh=true to refetch)
//   - GET  /api/v1/wallet - Payment id and registration state
//   - POST /api/v1/donate - One-off donation
//   - POST /api/v1/contribute - Run recurring donations + auto-contribute now
//   - POST /api/v1/adview - Redeem a confirmation token for an ad view
//   - GET/POST/DELETE /api/v1/recurring - Recurring donation list
//   - GET  /api/v1/report - Current month's contribution tallies
//   - GET  /livez, /readyz, /drain, /undrain - Lifecycle probes
//
// # Usage
//
//	go run ./cmd/batledgerd --config=batledger.yaml
//	go run ./cmd/batledgerd --addr=:8099 --data-dir=./data
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batnet/ledger/api/httpserver"
	"github.com/batnet/ledger/protocol"
	"github.com/batnet/ledger/services"
)

// DaemonConfig is the YAML configuration of the daemon.
type DaemonConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	DataDir     string `yaml:"data_dir"`
	EnablePprof bool   `yaml:"enable_pprof"`
	LogJSON     bool   `yaml:"log_json"`
	LogDebug    bool   `yaml:"log_debug"`

	Ledger  *protocol.LedgerConfig `yaml:"ledger"`
	Issuers struct {
		Confirmation protocol.IssuerInfo `yaml:"confirmation"`
		Payment      protocol.IssuerInfo `yaml:"payment"`
	} `yaml:"issuers"`

	Archive struct {
		Enabled  bool                    `yaml:"enabled"`
		Postgres services.PostgresConfig `yaml:"postgres"`
	} `yaml:"archive"`
}

func defaultDaemonConfig() *DaemonConfig {
	cfg := &DaemonConfig{
		ListenAddr: ":8099",
		DataDir:    "./batledger-data",
		Ledger:     protocol.DefaultConfig(),
	}
	return cfg
}

func loadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = protocol.DefaultConfig()
	}
	return cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
		dataDir    = flag.String("data-dir", "", "Ledger database directory (overrides config)")
		ledgerURL  = flag.String("ledger-url", "", "Ledger server URL (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *ledgerURL != "" {
		cfg.Ledger.LedgerURL = *ledgerURL
	}

	level := slog.LevelInfo
	if *debug || cfg.LogDebug {
		level = slog.LevelDebug
	}
	var log *slog.Logger
	if cfg.LogJSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	store, err := services.NewLevelDBStore(cfg.DataDir)
	if err != nil {
		log.Error("opening ledger database", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var archive protocol.ContributionArchiver
	if cfg.Archive.Enabled {
		pgArchive, err := services.NewPostgresArchive(&cfg.Archive.Postgres)
		if err != nil {
			log.Error("opening contribution archive", "err", err)
			os.Exit(1)
		}
		defer pgArchive.Close()
		archive = pgArchive
	}

	transport := services.NewHTTPTransport(30*time.Second, 2*time.Minute, log)
	timers := services.NewWallClockScheduler()
	defer timers.Shutdown()

	issuers := protocol.Issuers{
		Confirmation: cfg.Issuers.Confirmation,
		Payment:      cfg.Issuers.Payment,
	}

	ledger, err := protocol.NewLedger(cfg.Ledger, issuers, transport, store, timers, archive, log)
	if err != nil {
		log.Error("building ledger", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ledger.Start(ctx); err != nil {
		log.Error("starting ledger", "err", err)
		os.Exit(1)
	}
	defer ledger.Stop()

	control := services.NewControlService(ledger, log)
	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             60 * time.Second,
	}, control)
	if err != nil {
		log.Error("building HTTP server", "err", err)
		os.Exit(1)
	}

	srv.RunInBackground()
	log.Info("batledgerd running",
		"addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"payment_id", ledger.Wallet().PaymentID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	srv.Shutdown()
}
