package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradeledger/internal/crypto"
	"github.com/alanyoungcy/tradeledger/internal/ingest"
	"github.com/alanyoungcy/tradeledger/internal/pipeline"
	"github.com/alanyoungcy/tradeledger/internal/server"
	"github.com/alanyoungcy/tradeledger/internal/server/handler"
	"github.com/alanyoungcy/tradeledger/internal/server/middleware"
	"github.com/alanyoungcy/tradeledger/internal/service"
)

const shutdownTimeout = 15 * time.Second

// buildReconciler assembles the reconciliation service shared by every mode.
func (a *App) buildReconciler(deps *Dependencies) *service.ReconcileService {
	integrity := service.NewIntegrityService(
		deps.ExecutionStore,
		deps.MatchedTradeStore,
		deps.PositionStore,
		a.logger,
	)
	return service.NewReconcileService(
		deps.ExecutionStore,
		deps.ReconcileStore,
		deps.LockManager,
		deps.SignalBus,
		deps.AuditStore,
		integrity,
		service.NewIncrementalAggregator(deps.PositionStore),
		service.NewFullAggregator(deps.ExecutionStore),
		a.logger,
	)
}

// buildBrokerSync assembles the broker poller and, when enabled, the
// websocket stream feeding the same reconcile path.
func (a *App) buildBrokerSync(deps *Dependencies, reconciler *service.ReconcileService) (*pipeline.BrokerSync, *ingest.BrokerStream, error) {
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           a.cfg.Broker.APISecret,
		EncryptedSecretPath: a.cfg.Broker.EncryptedSecretPath,
		SecretPassword:      a.cfg.Broker.SecretPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("broker secret: %w", err)
	}
	auth := &crypto.HMACAuth{Key: a.cfg.Broker.APIKey, Secret: secret}

	client := ingest.NewBrokerClient(a.cfg.Broker.BaseURL, auth, deps.RateLimiter)
	sync := pipeline.NewBrokerSync(
		client,
		deps.ExecutionStore,
		reconciler,
		deps.Notifier,
		a.cfg.Broker.UserID,
		a.logger,
	)

	var stream *ingest.BrokerStream
	if a.cfg.Broker.StreamEnabled {
		stream = ingest.NewBrokerStream(a.cfg.Broker.WsURL, auth, sync.HandleStreamed, a.logger)
	}
	return sync, stream, nil
}

// csvImporter builds the CSV parser from configured column names, falling
// back to the standard broker export layout when none are set.
func (a *App) csvImporter() *ingest.CSVImporter {
	columns := ingest.DefaultColumnMap()
	if a.cfg.CSV.SymbolColumn != "" {
		columns = ingest.ColumnMap{
			Symbol:     a.cfg.CSV.SymbolColumn,
			Side:       a.cfg.CSV.SideColumn,
			Quantity:   a.cfg.CSV.QuantityColumn,
			Price:      a.cfg.CSV.PriceColumn,
			Commission: a.cfg.CSV.CommissionColumn,
			ExecutedAt: a.cfg.CSV.ExecutedAtColumn,
			ExternalID: a.cfg.CSV.ExternalIDColumn,
		}
	}
	return ingest.NewCSVImporter(columns, a.cfg.CSV.TimeLayout)
}

// buildPipeline assembles the background pipeline orchestrator.
func (a *App) buildPipeline(deps *Dependencies, reconciler *service.ReconcileService) (*pipeline.Orchestrator, error) {
	sync, stream, err := a.buildBrokerSync(deps, reconciler)
	if err != nil {
		return nil, err
	}
	sweep := pipeline.NewIntegritySweep(reconciler, deps.Notifier, a.cfg.Broker.UserID, a.logger)
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Pipeline.ArchiveRetentionDays, a.logger)

	var streamer pipeline.Streamer
	if stream != nil {
		streamer = stream
	}
	return pipeline.NewOrchestrator(
		sync,
		streamer,
		sweep,
		archiver,
		a.cfg.Pipeline.SyncInterval.Duration,
		a.cfg.Pipeline.SweepInterval.Duration,
		a.cfg.Pipeline.ArchiveCron,
		a.logger,
	), nil
}

// runServe is the long-running mode: HTTP API plus the background pipeline,
// each optional via configuration.
func (a *App) runServe(ctx context.Context, deps *Dependencies) error {
	reconciler := a.buildReconciler(deps)
	positions := service.NewPositionService(deps.PositionStore, deps.SignalBus, deps.AuditStore, a.logger)
	trades := service.NewTradeService(deps.MatchedTradeStore)

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.Enabled {
		handlers := server.Handlers{
			Health:     handler.NewHealthHandler(deps.DB, deps.Cache, a.logger),
			Executions: handler.NewExecutionHandler(reconciler, a.csvImporter(), a.logger),
			Trades:     handler.NewTradeHandler(trades, a.logger),
			Positions:  handler.NewPositionHandler(positions, a.logger),
			Reconcile:  handler.NewReconcileHandler(reconciler, a.logger),
		}

		var rateLimit func(http.Handler) http.Handler
		if a.cfg.Server.RateLimitPerMin > 0 {
			rateLimit = middleware.RateLimit(deps.RateLimiter, a.cfg.Server.RateLimitPerMin, time.Minute)
		}

		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		}, handlers, rateLimit, a.logger)

		g.Go(func() error {
			if err := srv.Start(); err != nil {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Pipeline.Enabled {
		orch, err := a.buildPipeline(deps, reconciler)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		g.Go(func() error {
			return orch.Run(ctx)
		})
	}

	return g.Wait()
}

// runSync runs the background pipeline without the HTTP API: broker sync
// loop, integrity sweep, and archive cron, until the context is cancelled.
func (a *App) runSync(ctx context.Context, deps *Dependencies) error {
	reconciler := a.buildReconciler(deps)
	orch, err := a.buildPipeline(deps, reconciler)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return orch.Run(ctx)
}

// runRebuild replays the full execution history for the target user and
// prints the resulting report.
func (a *App) runRebuild(ctx context.Context, deps *Dependencies) error {
	userID := a.targetUser
	if userID == "" {
		userID = a.cfg.Broker.UserID
	}
	if userID == "" {
		return fmt.Errorf("app: rebuild: no user id configured")
	}

	reconciler := a.buildReconciler(deps)
	report, err := reconciler.RunFullRebuild(ctx, userID, a.targetSymbol)
	if err != nil {
		return fmt.Errorf("app: rebuild: %w", err)
	}
	return printJSON(report)
}

// runCheck runs the integrity scan for the target user and prints the report.
// It exits non-zero (via error) when drift is detected so the mode can be
// used from cron.
func (a *App) runCheck(ctx context.Context, deps *Dependencies) error {
	userID := a.targetUser
	if userID == "" {
		userID = a.cfg.Broker.UserID
	}
	if userID == "" {
		return fmt.Errorf("app: check: no user id configured")
	}

	reconciler := a.buildReconciler(deps)
	report, err := reconciler.CheckIntegrity(ctx, userID)
	if err != nil {
		return fmt.Errorf("app: check: %w", err)
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if report.RebuildRequired() {
		return fmt.Errorf("app: check: integrity drift detected in %d symbol(s)", len(report.AffectedSymbols()))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("app: encode report: %w", err)
	}
	return nil
}
