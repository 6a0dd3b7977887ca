// Command oracle runs the UTXOracle engine: a periodic on-chain BTC/USD
// price cycle, the read API, and the whale stream, as one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/utxoracle-engine/internal/api"
	"github.com/rawblock/utxoracle-engine/internal/bitcoin"
	"github.com/rawblock/utxoracle-engine/internal/config"
	"github.com/rawblock/utxoracle-engine/internal/db"
	"github.com/rawblock/utxoracle-engine/internal/exchange"
	"github.com/rawblock/utxoracle-engine/internal/fetch"
	"github.com/rawblock/utxoracle-engine/internal/orchestrator"
	"github.com/rawblock/utxoracle-engine/internal/whale"
)

const (
	exitRuntime  = 1
	exitConfig   = 2
	exitLockHeld = 3
)

var errConfig = errors.New("configuration error")

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "oracle",
		Short:         "Exchange-free BTC/USD price discovery from on-chain data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.AddCommand(runCmd(), onceCmd(), backfillCmd(), importCmd(), initDBCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errConfig):
		return exitConfig
	case errors.Is(err, orchestrator.ErrLockHeld):
		return exitLockHeld
	default:
		return exitRuntime
	}
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("%w: %v", errConfig, err)
	}

	level, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return cfg, log, nil
}

// app bundles the wired components of one process.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	store   *db.Store
	btc     *bitcoin.Client
	node    *fetch.NodeSource
	cascade *fetch.CascadingSource
	orch    *orchestrator.Orchestrator
	hub     *whale.Hub
	stream  *whale.Stream
	poller  *whale.Poller
}

func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	store, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	btc, err := bitcoin.NewClient(bitcoin.Config{
		Host:       cfg.BTCRPCHost,
		User:       cfg.BTCRPCUser,
		Pass:       cfg.BTCRPCPass,
		CookiePath: cfg.BTCRPCCookie,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("bitcoin rpc: %w", err)
	}

	node := fetch.NewNodeSource(btc, log)
	var tiers []fetch.TransactionSource
	if cfg.IndexerURL != "" {
		tiers = append(tiers, fetch.NewLocalIndexerSource(cfg.IndexerURL, cfg.FetchWorkers, log))
	}
	if cfg.PublicAPIEnabled && cfg.PublicIndexerURL != "" {
		tiers = append(tiers, fetch.NewPublicIndexerSource(cfg.PublicIndexerURL, cfg.FetchWorkers, log))
	}
	tiers = append(tiers, node)
	cascade := fetch.NewCascadingSource(log, tiers...)

	alerter := orchestrator.NewAlerter(cfg.AlertWebhookURL, log)
	orch := orchestrator.New(cfg, cascade, exchange.NewClient(cfg.ExchangeURL, log), store, alerter, log)

	hub := whale.NewHub(log)
	stream := whale.NewStream(mempoolWSURL(cfg.IndexerURL), cfg.WhaleBTCThreshold,
		hub, orch, nil, store, log)
	poller := whale.NewPoller(btc, node, stream, whale.DefaultPollInterval, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		btc:     btc,
		node:    node,
		cascade: cascade,
		orch:    orch,
		hub:     hub,
		stream:  stream,
		poller:  poller,
	}, nil
}

func (a *app) close() {
	a.btc.Shutdown()
	a.store.Close()
}

// mempoolWSURL derives the indexer's mempool feed endpoint from its HTTP base.
func mempoolWSURL(indexerURL string) string {
	ws := strings.Replace(indexerURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimRight(ws, "/") + "/ws/track-mempool"
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run cycles, the read API, and the whale stream until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.InitSchema(ctx); err != nil {
				return fmt.Errorf("schema init: %w", err)
			}

			snapshot := db.NewSnapshot(log)
			if _, statErr := os.Stat(cfg.BackupPath); statErr == nil {
				if loadErr := snapshot.LoadSnapshot(cfg.BackupPath); loadErr != nil {
					log.Warn().Err(loadErr).Msg("snapshot fallback unavailable")
				}
			}

			router := api.NewRouter(api.Deps{
				Store:    a.store,
				Snapshot: snapshot,
				Hub:      a.hub,
				Indexer:  a.cascade,
				Node:     a.node,
				Auth:     api.NewAuth(cfg.SigningSecret, cfg.AuthBypassActive(), log),
				Log:      log,
			})
			srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.orch.Run(gctx) })
			if cfg.IndexerURL != "" {
				g.Go(func() error { a.stream.Run(gctx); return nil })
			} else {
				// No indexer mempool feed; fall back to polling the node.
				g.Go(func() error { a.poller.Run(gctx); return nil })
			}
			g.Go(func() error {
				log.Info().Str("port", cfg.Port).Msg("read API listening")
				if serveErr := srv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
					return serveErr
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			return a.orch.RunCycle(ctx)
		},
	}
}

func backfillCmd() *cobra.Command {
	var startStr, endStr string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Recompute samples for a historical date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			start, parseErr := time.Parse("2006-01-02", startStr)
			if parseErr != nil {
				return fmt.Errorf("%w: invalid --start: %v", errConfig, parseErr)
			}
			end, parseErr := time.Parse("2006-01-02", endStr)
			if parseErr != nil {
				return fmt.Errorf("%w: invalid --end: %v", errConfig, parseErr)
			}
			if end.Before(start) {
				return fmt.Errorf("%w: --end precedes --start", errConfig)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			return a.orch.BackfillRange(ctx, start, end)
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&endStr, "end", "", "last date, YYYY-MM-DD")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-csv",
		Short: "Bulk-load a historical series file into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := db.Connect(ctx, cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer store.Close()

			valid := func(price, confidence float64) bool {
				return confidence >= cfg.ConfidenceThreshold &&
					price >= cfg.MinPriceUSD && price <= cfg.MaxPriceUSD
			}
			rows, err := store.BulkImportCSV(ctx, file, valid)
			if err != nil {
				return err
			}
			log.Info().Int64("rows", rows).Msg("import complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file to import")
	cmd.MarkFlagRequired("file")
	return cmd
}

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, err := db.Connect(ctx, cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.InitSchema(ctx)
		},
	}
}
