// Burst Pool - proof-of-capacity mining pool for the Burst network
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burst-apps-team/burstpool/internal/api"
	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/burstmath"
	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/miners"
	"github.com/burst-apps-team/burstpool/internal/newrelic"
	"github.com/burst-apps-team/burstpool/internal/notify"
	"github.com/burst-apps-team/burstpool/internal/payout"
	"github.com/burst-apps-team/burstpool/internal/pool"
	"github.com/burst-apps-team/burstpool/internal/profiling"
	"github.com/burst-apps-team/burstpool/internal/rpc"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// nameRefreshInterval is how often on-chain account names are pulled
// for miners that still lack one.
const nameRefreshInterval = 10 * time.Minute

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Burst Pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("Burst Pool v%s starting", version)

	// APM agent
	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}
	defer agent.Stop()
	var apmAgent *newrelic.Agent
	if agent.IsEnabled() {
		apmAgent = agent
	}

	// Connect to Redis
	store, err := storage.NewRedisStore(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	// Connect to the Burst nodes
	nodes, err := rpc.NewUpstreamManager(cfg.Node.Addresses, cfg.Node.Timeout)
	if err != nil {
		util.Fatalf("Failed to set up node upstreams: %v", err)
	}
	defer nodes.Stop()

	// The pool's own account, derived from the passphrase.
	keys := burst.KeysFromPassphrase(cfg.Pool.SecretPhrase)
	poolAddress := keys.Address()
	util.Infof("Pool account: %s (%s)", poolAddress.RS(), poolAddress.NumericID())

	// The fee take goes to the donation recipient, defaulting to the
	// pool's own account when none is configured.
	feeRecipient := poolAddress
	if cfg.Pool.DonationRecipient != "" {
		feeRecipient, err = burst.ParseAddress(cfg.Pool.DonationRecipient)
		if err != nil {
			util.Fatalf("Invalid donation recipient %q: %v", cfg.Pool.DonationRecipient, err)
		}
	}
	util.Infof("Pool fees accrue to %s", feeRecipient.RS())

	notifier := notify.NewNotifier(&cfg.Notify, cfg.Pool.Name)
	hooks := &eventHooks{notifier: notifier, agent: apmAgent}

	tracker := miners.NewTracker(cfg.Rounds.NAvg, cfg.Rounds.NMin,
		cfg.Pool.Fee, cfg.Pool.WinnerReward,
		burst.BurstValue(cfg.Payouts.DefaultMinimumPayout))

	controller := pool.NewController(store, nodes, tracker, poolAddress.ID(), pool.Options{
		SecretPhrase:    cfg.Pool.SecretPhrase,
		PocVersion:      burstmath.PocVersion(cfg.Node.PocVersion),
		NAvg:            cfg.Rounds.NAvg,
		TMin:            cfg.Rounds.TMin,
		ProcessLag:      uint64(cfg.Rounds.ProcessLag),
		MaxDeadline:     cfg.Rounds.MaxDeadline,
		TargetDeadline:  cfg.Rounds.TargetDeadline,
		RefreshInterval: cfg.Rounds.RefreshInterval,
		ProcessInterval: cfg.Rounds.ProcessInterval,
		Notifier:        hooks,
	})

	engine := payout.NewEngine(store, nodes, payout.Options{
		Keys:                 keys,
		FeeRecipientID:       feeRecipient.ID(),
		DefaultMinimumPayout: burst.BurstValue(cfg.Payouts.DefaultMinimumPayout),
		MinPayouts:           cfg.Payouts.MinPayoutsPerTransaction,
		TransactionFee:       burst.BurstValue(cfg.Payouts.TransactionFee),
		TransactionDeadline:  cfg.Payouts.TransactionDeadline,
		BroadcastAttempts:    cfg.Payouts.BroadcastAttempts,
		Interval:             cfg.Payouts.Interval,
		Notifier:             hooks,
	})
	hooks.engine = engine

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, store, tracker, controller, poolAddress.ID(), apmAgent)
		// Wire the live round feed before the controller starts
		// producing rounds.
		controller.OnRoundChange(apiServer.BroadcastRound)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go controller.Run(ctx)
	go engine.Run(ctx)
	go refreshNames(ctx, tracker, store, nodes)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	cancel()
	if apiServer != nil {
		apiServer.Stop()
	}
	profiler.Stop()

	util.Info("Pool stopped")
	util.SyncLog()
}

// eventHooks fans pool events out to the webhook notifier and the APM
// agent, and kicks a payout run as soon as a block settles instead of
// waiting for the next payout tick.
type eventHooks struct {
	notifier *notify.Notifier
	agent    *newrelic.Agent
	engine   *payout.Engine
}

func (h *eventHooks) BlockWon(block *storage.WonBlock) {
	h.notifier.BlockWon(block)
	if h.agent != nil {
		winner := burst.AddressFromID(block.GeneratorID).RS()
		h.agent.RecordBlockWon(block.Height, winner, block.FullReward.Burst())
	}
	if h.engine != nil {
		go func() {
			if err := h.engine.PayOut(context.Background()); err != nil && err != payout.ErrPayoutInProgress {
				util.Errorf("Post-settlement payout failed: %v", err)
			}
		}()
	}
}

func (h *eventHooks) PayoutSent(p *storage.Payout) {
	h.notifier.PayoutSent(p)
	if h.agent != nil {
		var total burst.Value
		for _, r := range p.Recipients {
			total = total.Add(r.Amount)
		}
		h.agent.RecordPayout(p.TransactionID, len(p.Recipients), total.Burst())
	}
}

// refreshNames periodically fills in on-chain account names for miners
// that have none yet.
func refreshNames(ctx context.Context, tracker *miners.Tracker, store *storage.RedisStore, nodes *rpc.UpstreamManager) {
	fetch := func(ctx context.Context, accountID uint64) (string, error) {
		account, err := nodes.GetAccount(ctx, accountID)
		if err != nil {
			return "", err
		}
		return account.Name, nil
	}

	ticker := time.NewTicker(nameRefreshInterval)
	defer ticker.Stop()

	tracker.FetchMissingNames(ctx, store, fetch)
	for {
		select {
		case <-ticker.C:
			tracker.FetchMissingNames(ctx, store, fetch)
		case <-ctx.Done():
			return
		}
	}
}
