// Package engine assembles the platform from configuration: keystore,
// ledger store, token registry, pricing, sharder, fission orchestrator,
// bond scheduler, bounce-rate monitor, and the optional analytics mirror.
// Construction is explicit so test rigs can build partial assemblies.
package engine

import (
	"context"
	"log"
	"path/filepath"
	"sync"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/atomcrypto"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/bonding"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/config"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/db"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/distribution"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/fission"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/ledger"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/mining"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/pricing"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/sharder"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/token"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// Engine is the assembled platform.
type Engine struct {
	Config    config.Config
	Keystore  *atomcrypto.Keystore
	Store     *ledger.Store
	Tokens    *token.Registry
	Pricing   *pricing.Engine
	Planner   *distribution.Planner
	Sharder   *sharder.Sharder
	Fission   *fission.Orchestrator
	Scheduler *bonding.Scheduler
	Monitor   *mining.Monitor
	Analytics *db.AnalyticsStore // nil when ATOMIC_DATABASE_URL is unset

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Init builds every component from cfg. Nothing runs yet; call Start for
// the background loops.
func Init(cfg config.Config) (*Engine, error) {
	ks, err := atomcrypto.OpenKeystore(filepath.Join(cfg.LedgerDir, "keys"), cfg.TokenSigScheme)
	if err != nil {
		return nil, err
	}

	store, err := ledger.Open(cfg.LedgerDir, ks.TamperKeySecret())
	if err != nil {
		return nil, err
	}

	auditHook := func(address string, rec models.AuditRecord) {
		if err := store.AppendAudit(address, rec); err != nil {
			log.Printf("[Engine] Audit append for %s failed: %v", address, err)
		}
	}
	tokens, err := token.NewRegistry(cfg.LedgerDir, ks, cfg.NodeSerial, auditHook)
	if err != nil {
		return nil, err
	}

	pricer := pricing.New(pricing.Params{
		CarbonPriceCADPerKg:       cfg.CarbonPriceCADPerKg,
		EmissionGPerNode:          cfg.EmissionGPerNode,
		RebateCADPerNode:          cfg.RebateCADPerNode,
		MarketDemand:              cfg.MarketDemand,
		DemandMultiplier:          cfg.DemandMultiplier,
		CarbonFootprintMultiplier: cfg.CarbonFootprintMultiplier,
		TokensPerNode:             cfg.TokensPerNode,
	})

	planner := distribution.New(cfg.NodeRoster, nil)

	slow := func() bool {
		return store.Unavailable() || store.WriteLatency() > cfg.BackpressureThreshold
	}
	sh := sharder.New(tokens, planner, slow, cfg.PRNGSeed, cfg.SeedSet)

	eng := &Engine{
		Config:    cfg,
		Keystore:  ks,
		Store:     store,
		Tokens:    tokens,
		Pricing:   pricer,
		Planner:   planner,
		Sharder:   sh,
		Fission:   fission.New(sh, store, cfg.OpTimeout),
		Scheduler: bonding.NewScheduler(store, tokens, cfg.PollInterval, cfg.BackpressureThreshold),
		Monitor:   mining.NewMonitor(store, cfg.PollInterval),
	}

	if cfg.DatabaseURL != "" {
		analytics, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: analytics mirror unreachable, continuing without it: %v", err)
		} else {
			if err := analytics.InitSchema(); err != nil {
				log.Printf("Warning: analytics schema init failed: %v", err)
			}
			eng.Analytics = analytics
		}
	}

	return eng, nil
}

// Start launches the bond scheduler, the bounce-rate monitor, and the
// analytics feed.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.Scheduler.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.Monitor.Run(ctx)
	}()

	if e.Analytics != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Analytics.Feed(ctx, e.Store.Subscribe())
		}()
	}
}

// Close stops the background loops and releases external resources.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.Analytics != nil {
		e.Analytics.Close()
	}
}
