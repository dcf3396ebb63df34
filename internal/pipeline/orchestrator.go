package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Streamer is a long-running push feed, typically the broker websocket.
type Streamer interface {
	Run(ctx context.Context) error
}

// Orchestrator manages all pipeline goroutines: broker sync, the live
// execution stream, the integrity sweep, and cold-storage archival.
type Orchestrator struct {
	brokerSync     *BrokerSync
	stream         Streamer // nil when the websocket feed is disabled
	integritySweep *IntegritySweep
	archiver       *Archiver
	syncInterval   time.Duration
	sweepInterval  time.Duration
	archiveCron    string
	logger         *slog.Logger
}

// NewOrchestrator creates a new Orchestrator that coordinates all pipeline
// sub-systems.
func NewOrchestrator(
	brokerSync *BrokerSync,
	stream Streamer,
	integritySweep *IntegritySweep,
	archiver *Archiver,
	syncInterval time.Duration,
	sweepInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		brokerSync:     brokerSync,
		stream:         stream,
		integritySweep: integritySweep,
		archiver:       archiver,
		syncInterval:   syncInterval,
		sweepInterval:  sweepInterval,
		archiveCron:    archiveCron,
		logger:         logger,
	}
}

// Run starts all sub-pipelines as concurrent goroutines using an errgroup. Each
// goroutine respects ctx cancellation. If any goroutine returns a non-context
// error, the errgroup cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("sync_interval", o.syncInterval),
		slog.Duration("sweep_interval", o.sweepInterval),
		slog.String("archive_cron", o.archiveCron),
		slog.Bool("stream_enabled", o.stream != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	// 1. Broker polling sync on ticker.
	g.Go(func() error {
		o.logger.Info("starting broker sync loop")
		err := o.brokerSync.RunLoop(ctx, o.syncInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("broker sync: %w", err)
	})

	// 2. Live execution stream, when configured. The polling sync keeps
	// running alongside it and backfills any gap the stream drops.
	if o.stream != nil {
		g.Go(func() error {
			o.logger.Info("starting broker execution stream")
			err := o.stream.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("broker stream: %w", err)
		})
	}

	// 3. Integrity sweep on ticker.
	g.Go(func() error {
		o.logger.Info("starting integrity sweep loop")
		err := o.integritySweep.RunLoop(ctx, o.sweepInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("integrity sweep: %w", err)
	})

	// 4. Archiver on cron schedule.
	g.Go(func() error {
		o.logger.Info("starting archiver cron")
		err := o.archiver.RunCron(ctx, o.archiveCron)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("archiver: %w", err)
	})

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
