// Command indexer is the thin entry point wiring configuration, the RPC
// clients, durable storage, and the engine together, then running until
// an OS signal asks it to stop. Per spec.md §6, everything beyond
// Engine's two public entry points is external to the indexing core --
// this file exists only to construct and run it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/chainclient"
	"github.com/manusoman/hyperindex/pkg/commit"
	"github.com/manusoman/hyperindex/pkg/config"
	"github.com/manusoman/hyperindex/pkg/decoder"
	"github.com/manusoman/hyperindex/pkg/durable"
	"github.com/manusoman/hyperindex/pkg/engine"
	"github.com/manusoman/hyperindex/pkg/fetcher"
	"github.com/manusoman/hyperindex/pkg/logging"
	"github.com/manusoman/hyperindex/pkg/runtime"
	"github.com/manusoman/hyperindex/pkg/telemetry"
)

const version = "dev"

func main() {
	dir := os.Getenv("HYPERINDEX_DIR")
	if dir == "" {
		dir = "."
	}

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %s\n", err)
		os.Exit(1)
	}

	logging.Setup(version, cfg.Log.Debug, cfg.Log.Human)

	if err := telemetry.Setup(":"+cfg.Metrics.Port, "hyperindex"); err != nil {
		log.Fatal().Err(err).Msg("setting up instrumentation")
	}

	db, err := durable.Open(cfg.Durable.URI)
	if err != nil {
		log.Fatal().Err(err).Msg("opening durable store")
	}

	// The contract ABI/event Go-type bindings a real deployment needs
	// come from the code generator (spec.md's "generator" collaborator,
	// out of this core's scope); this entry point only wires the
	// indexing core around whatever specs that layer supplies.
	specs, err := loadGeneratedContractSpecs(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("loading generated contract specs")
	}

	chainMetrics := make(map[hyperindex.ChainID]*telemetry.ChainMetrics)
	registry, err := decoder.New(specs, decoder.WithSkippedTopicMetric(func(contractType decoder.ContractType) {
		log.Warn().Str("contract_type", string(contractType)).Msg("skipped unknown topic")
	}))
	if err != nil {
		log.Fatal().Err(err).Msg("building decoder registry")
	}

	startBlocks := make(map[hyperindex.ChainID]int64, len(cfg.Chains))
	for _, c := range cfg.Chains {
		startBlocks[c.ChainID] = c.StartBlock
	}
	resolvedStarts, err := engine.RecoverCheckpoints(context.Background(), db, startBlocks)
	if err != nil {
		log.Fatal().Err(err).Msg("recovering checkpoints")
	}

	fetchers := make(map[hyperindex.ChainID]engine.Fetcher, len(cfg.Chains))
	for _, c := range cfg.Chains {
		client, err := chainclient.Dial(c.RPCEndpoint)
		if err != nil {
			log.Fatal().Err(err).Int64("chain_id", int64(c.ChainID)).Msg("dialing RPC endpoint")
		}

		cm, err := telemetry.NewChainMetrics(c.ChainID)
		if err != nil {
			log.Fatal().Err(err).Int64("chain_id", int64(c.ChainID)).Msg("registering chain metrics")
		}
		chainMetrics[c.ChainID] = cm

		fcfg := fetcher.DefaultConfig(c.ChainID, resolvedStarts[c.ChainID])
		fcfg.MaxBlockInterval = c.MaxBlockInterval
		fcfg.MinBlockInterval = c.MinBlockInterval
		fcfg.GrowthStep = c.GrowthStep

		addresses := addressesFor(specs, c.ChainID)
		fetchers[c.ChainID] = fetcher.New(
			fcfg, client, registry, addresses,
			fetcher.WithBackoffMetric(cm.OnBackoff),
			fetcher.WithAdvanceMetric(cm.OnAdvance),
			fetcher.WithDecodedMetric(cm.DecodedEvent),
		)
	}

	rt := runtime.New(db)
	registerHandlers(rt) // supplied by generated code; no-op placeholder here

	commitMetrics, err := telemetry.NewCommitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("registering commit metrics")
	}

	eng := engine.New(
		registry,
		fetchers,
		rt,
		commit.New(db, commit.Config{
			MaxAttempts: cfg.Commit.MaxAttempts,
			BaseDelay:   mustParseDuration(cfg.Commit.BaseDelay),
		},
			commit.WithRetryMetric(commitMetrics.Retry),
			commit.WithObserveMetric(commitMetrics.Observe),
		),
		engine.BatchBounds{Min: cfg.BatchSize.Min, Max: cfg.BatchSize.Max},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("starting engine")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	eng.Stop()
}

// loadGeneratedContractSpecs is a placeholder seam for the code
// generator's output; a real deployment's main package replaces this
// with the specs it produced at generation time.
func loadGeneratedContractSpecs(cfg *config.Config) ([]decoder.ContractSpec, error) {
	return nil, nil
}

// registerHandlers is a placeholder seam for the code generator's
// loader/handler registrations.
func registerHandlers(rt *runtime.Runtime) {}

func addressesFor(specs []decoder.ContractSpec, chainID hyperindex.ChainID) []common.Address {
	var out []common.Address
	for _, s := range specs {
		if s.ChainID == chainID {
			out = append(out, s.Address)
		}
	}
	return out
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatal().Err(err).Str("duration", s).Msg("invalid duration in configuration")
	}
	return d
}
