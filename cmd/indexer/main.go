// Command indexer runs the full perp order book projection: chain event
// consumers, the background reconciler/backfill pair, and the read-only
// HTTP API, all sharing one Postgres store and one pair of concurrency
// semaphores.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/web3guy0/perpindexer/alert"
	"github.com/web3guy0/perpindexer/api"
	"github.com/web3guy0/perpindexer/backfill"
	"github.com/web3guy0/perpindexer/chain"
	"github.com/web3guy0/perpindexer/config"
	"github.com/web3guy0/perpindexer/consumers"
	"github.com/web3guy0/perpindexer/reconcile"
	"github.com/web3guy0/perpindexer/statemachine"
	"github.com/web3guy0/perpindexer/storage"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("contract", cfg.ContractAddr).Msg("perpindexer starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Storage
	store, err := storage.NewStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	assets := storage.NewAssetCache(store)
	if err := assets.Warm(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to warm asset cache")
	}

	// 2. Chain clients
	contractAddr := common.HexToAddress(cfg.ContractAddr)
	gateway := chain.NewGateway(cfg.ChainWSURL, contractAddr, cfg.WatchdogTimeout)
	readClient, err := chain.NewReadClient(ctx, cfg.ChainHTTPURL, contractAddr, int64(cfg.RPCConc))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create chain read client")
	}

	// 3. State machine
	machine := statemachine.New(store, assets)

	// 4. Alerting (optional), ahead of the reconciler/consumers that report through it
	notifier, err := alert.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init telegram alerting")
	}

	// 5. Shared concurrency limits, constructed once and handed to both the
	// reconciler and the backfill controller.
	chainSem := semaphore.NewWeighted(int64(cfg.RPCConc))
	dbSem := semaphore.NewWeighted(int64(cfg.DBConc))
	reconciler := reconcile.New(readClient, store, machine, notifier, chainSem, dbSem, cfg.DBConc)
	backfiller := backfill.New(store, readClient, reconciler, cfg.BackfillChunk, cfg.BackfillPage)

	// 6. Consumers
	go consumers.Run(ctx, consumers.Options{
		Gateway:      gateway,
		Machine:      machine,
		Backfiller:   backfiller,
		Notifier:     notifier,
		DedupSize:    cfg.DedupCacheSize,
		DedupTTL:     cfg.DedupTTL,
		BackfillMode: cfg.ConsumerBackfillOnRestart,
	})

	// 7. Startup backfill pass, to close any gap accumulated while the
	// process was down.
	go func() {
		if err := backfiller.Run(ctx); err != nil {
			log.Error().Err(err).Msg("startup backfill failed")
			notifier.BackfillFailed(err)
		}
	}()

	// 8. API server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: api.New(store, assets, reconciler),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	log.Info().Int("port", cfg.APIPort).Msg("all services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown")
	}

	log.Info().Msg("perpindexer stopped")
}
