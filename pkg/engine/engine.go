// Package engine owns the whole running process (spec.md §6): it wires
// every component (C1-C13), the durable repository and the chain gateway
// into one object, runs the periodic risk-sweep and funding ticks, drains
// the chain gateway's mark-price/deposit subscriptions, polls/retries the
// settlement bridge, and answers HTTP/WebSocket traffic through pkg/api.
//
// Grounded on the teacher's cmd/node/main.go, which does this same wiring
// inline in main() — pulled out into its own package here since
// SPEC_FULL.md names a standalone orchestration component distinct from the
// CLI entry point, and because cmd/signorder needs none of it.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/engine/params"
	"github.com/memeperp/engine/pkg/api"
	"github.com/memeperp/engine/pkg/bridge"
	"github.com/memeperp/engine/pkg/broadcast"
	"github.com/memeperp/engine/pkg/chaingateway"
	"github.com/memeperp/engine/pkg/funding"
	"github.com/memeperp/engine/pkg/klines"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/markprice"
	"github.com/memeperp/engine/pkg/matching"
	"github.com/memeperp/engine/pkg/nonce"
	"github.com/memeperp/engine/pkg/ordercrypto"
	"github.com/memeperp/engine/pkg/positions"
	"github.com/memeperp/engine/pkg/repository"
	"github.com/memeperp/engine/pkg/risk"
	"github.com/memeperp/engine/pkg/util"
)

// markPriceProxy and lastTradeProxy break the construction-order cycle
// between matching.Engine (needs a MarkPriceSource) and markprice.Feed
// (needs matching.Engine as its staleness-fallback LastTradeSource): each
// side is built against a thin indirection whose target is filled in once
// both concrete values exist.
type markPriceProxy struct{ feed *markprice.Feed }

func (p *markPriceProxy) MarkPrice(token common.Address) (uint64, bool) {
	return p.feed.MarkPrice(token)
}

type lastTradeProxy struct{ eng *matching.Engine }

func (p *lastTradeProxy) LastTradePrice(token common.Address) (uint64, bool) {
	return p.eng.LastTradePrice(token)
}

// Engine is the fully wired, running instance of the matching/settlement
// backend.
type Engine struct {
	cfg    params.Config
	logger *zap.SugaredLogger
	clock  util.Clock

	repo      repository.Repository
	bus       *broadcast.Bus
	ledger    *ledger.Ledger
	lifecycle *lifecycle.Registry
	nonces    *nonce.Store
	klines    *klines.Aggregator
	positions *positions.Store
	markPrice *markprice.Feed
	funding   *funding.Engine
	risk      *risk.Engine
	bridge    *bridge.Bridge
	gateway   chaingateway.Gateway
	matching  *matching.Engine
	api       *api.Server

	wg       sync.WaitGroup
	draining chan struct{}
	drainOnce sync.Once
}

// New wires C1-C13, the repository, and the chain gateway into one running
// Engine. gw is typically chaingateway.NewMemGateway in dev, or a real
// go-ethereum RPC-backed Gateway in production.
func New(cfg params.Config, gw chaingateway.Gateway, logger *zap.SugaredLogger) (*Engine, error) {
	repo, err := repository.NewPebbleRepository(cfg.Repository.Path)
	if err != nil {
		return nil, fmt.Errorf("engine: open repository: %w", err)
	}

	bus := broadcast.NewBus()
	ledg := ledger.New()
	lc := lifecycle.NewRegistry()
	nonces := nonce.NewStore()
	signer := ordercrypto.NewSigner(cfg.EIP712.ToDomain())
	validator := ordercrypto.NewValidator(signer, nonces, nil)
	kAgg := klines.NewAggregator(klines.DefaultResolutions)
	posStore := positions.NewStore(ledg)

	mpProxy := &markPriceProxy{}
	ltProxy := &lastTradeProxy{}
	markFeed := markprice.NewFeed(lc, ltProxy)
	mpProxy.feed = markFeed

	fundingEngine := funding.NewEngine(lc, posStore, nil, cfg.Engine.FundingImbalanceK)

	feeCollector := common.HexToAddress(cfg.Engine.FeeCollectorAccount)
	matchEngine := matching.NewEngine(lc, ledg, validator, posStore, kAgg, bus, mpProxy, fundingEngine, feeCollector)
	ltProxy.eng = matchEngine

	liquidator := common.HexToAddress(cfg.Engine.LiquidatorAccount)
	riskEngine := risk.NewEngine(lc, posStore, matchEngine, liquidator)

	br := bridge.NewBridge(cfg.ChainGateway.BridgeConfig, gw, lc)

	apiServer := api.NewServer(api.Deps{
		Matching:   matchEngine,
		Lifecycle:  lc,
		Ledger:     ledg,
		Positions:  posStore,
		Repository: repo,
		Bus:        bus,
		WSBufSize:  cfg.HTTP.WSBufferSize,
		Logger:     logger,
	})

	return &Engine{
		cfg: cfg, logger: logger, clock: util.RealClock{},
		repo: repo, bus: bus, ledger: ledg, lifecycle: lc, nonces: nonces,
		klines: kAgg, positions: posStore, markPrice: markFeed, funding: fundingEngine,
		risk: riskEngine, bridge: br, gateway: gw, matching: matchEngine, api: apiServer,
		draining: make(chan struct{}),
	}, nil
}

// ListenAndServe runs the HTTP/WebSocket transport to completion (blocks
// until ctx is cancelled or the listener fails).
func (e *Engine) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: e.cfg.HTTP.ListenAddr, Handler: e.api.Handler(e.cfg.HTTP.CORSOrigins)}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("engine: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Run starts every background loop (risk sweep, funding tick, bridge
// poll/retry, chain-gateway mark-price and deposit consumers) and blocks
// until ctx is cancelled, at which point it drains gracefully (spec.md §6):
// every Active token is paused, its resting orders cancelled, the bridge
// flushed, and the repository closed.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.wg.Add(4)
	go e.riskLoop(runCtx)
	go e.fundingLoop(runCtx)
	go e.bridgeLoop(runCtx)
	go e.markPriceLoop(runCtx)

	e.wg.Add(1)
	go e.depositLoop(runCtx)

	<-ctx.Done()
	e.logger.Infow("engine_draining")
	cancel()
	e.wg.Wait()
	return e.drain()
}

// drain implements spec.md §6's graceful-shutdown contract.
func (e *Engine) drain() error {
	var drainErr error
	e.drainOnce.Do(func() {
		close(e.draining)
		for _, tok := range e.lifecycle.List() {
			if tok.State != lifecycle.Active {
				continue
			}
			canceled := e.matching.CancelAllResting(tok.Address)
			if err := e.lifecycle.Pause(tok.Address, e.clock.Now().Unix()); err != nil {
				e.logger.Infow("engine_drain_pause_failed", "token", tok.Address.Hex(), "err", err)
			}
			e.logger.Infow("engine_drain_token", "token", tok.Address.Hex(), "canceled", canceled)
		}
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		if err := e.bridge.Flush(flushCtx); err != nil {
			e.logger.Infow("engine_drain_bridge_flush_failed", "err", err)
		}
		if err := e.repo.Close(); err != nil {
			drainErr = fmt.Errorf("engine: close repository: %w", err)
		}
	})
	return drainErr
}

func (e *Engine) riskLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Engine.RiskTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tok := range e.lifecycle.List() {
				if tok.State != lifecycle.Active {
					continue
				}
				res := e.markPrice.Query(tok.Address, e.clock.Now().Unix())
				if !res.Fresh {
					continue
				}
				idx := e.funding.FundingIndex(tok.Address)
				sweep, err := e.risk.Sweep(tok.Address, res.Price, idx, e.clock.Now().Unix())
				if err != nil {
					e.logger.Infow("risk_sweep_error", "token", tok.Address.Hex(), "err", err)
					continue
				}
				if len(sweep.Events) > 0 {
					e.bus.Publish(matching.TopicLifecycle(tok.Address), sweep.Events, e.clock.Now().Unix())
					e.logger.Infow("risk_sweep_liquidations", "token", tok.Address.Hex(), "count", len(sweep.Events))
				}
			}
		}
	}
}

func (e *Engine) fundingLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Engine.FundingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tok := range e.lifecycle.List() {
				if tok.State != lifecycle.Active {
					continue
				}
				rate, err := e.funding.Tick(tok.Address)
				if err != nil {
					e.logger.Infow("funding_tick_error", "token", tok.Address.Hex(), "err", err)
					continue
				}
				e.bus.Publish(matching.TopicLifecycle(tok.Address), map[string]interface{}{
					"event": "funding", "rateBps": rate,
				}, e.clock.Now().Unix())
			}
		}
	}
}

func (e *Engine) bridgeLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ChainGateway.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.clock.Now().Unix()
			if _, err := e.bridge.Poll(ctx, now); err != nil {
				e.logger.Infow("bridge_poll_error", "err", err)
				continue
			}
			if err := e.bridge.RetryDue(ctx, now); err != nil {
				e.logger.Infow("bridge_retry_error", "err", err)
			}
		}
	}
}

func (e *Engine) markPriceLoop(ctx context.Context) {
	defer e.wg.Done()
	ch, err := e.gateway.SubscribeMarkPrices(ctx)
	if err != nil {
		e.logger.Infow("chaingateway_subscribe_mark_prices_failed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-ch:
			if !ok {
				return
			}
			if err := e.markPrice.Update(upd.Token, upd.Price, upd.TimestampUnix); err != nil {
				e.logger.Infow("mark_price_update_error", "token", upd.Token.Hex(), "err", err)
				continue
			}
			e.bus.Publish(matching.TopicLifecycle(upd.Token), upd, upd.TimestampUnix)
			if tok, err := e.lifecycle.Get(upd.Token); err != nil || tok.State != lifecycle.Active {
				continue
			}
			now := e.clock.Now().Unix()
			if res := e.markPrice.Query(upd.Token, now); res.Fresh {
				sweep, err := e.risk.Sweep(upd.Token, res.Price, e.funding.FundingIndex(upd.Token), now)
				if err != nil {
					e.logger.Infow("risk_sweep_error", "token", upd.Token.Hex(), "err", err)
				} else if len(sweep.Events) > 0 {
					e.bus.Publish(matching.TopicLifecycle(upd.Token), sweep.Events, now)
				}
			}
		}
	}
}

func (e *Engine) depositLoop(ctx context.Context) {
	defer e.wg.Done()
	ch, err := e.gateway.SubscribeDeposits(ctx)
	if err != nil {
		e.logger.Infow("chaingateway_subscribe_deposits_failed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case dep, ok := <-ch:
			if !ok {
				return
			}
			e.ledger.Deposit(dep.Trader, dep.Amount)
			e.logger.Infow("deposit_credited", "trader", dep.Trader.Hex(), "amount", dep.Amount, "txHash", dep.TxHash)
		}
	}
}

// Lifecycle exposes the engine's token registry. The CLI's admin
// subcommands do not use it; they go through the HTTP admin routes.
func (e *Engine) Lifecycle() *lifecycle.Registry { return e.lifecycle }

// Draining is closed once graceful shutdown has started, for a health-check
// handler to report "not ready" while the engine winds down.
func (e *Engine) Draining() <-chan struct{} { return e.draining }
