package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TemporalDynamics/ecosign-sub001/anchoring"
	"github.com/TemporalDynamics/ecosign-sub001/projections"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the anchor reconciliation and projection worker",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting worker")

	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	worker := anchoring.NewWorker(app.reader, app.gateway, app.clients, app.policies,
		cfg.Anchoring.PollInterval, cfg.Anchoring.BatchSize,
		anchoring.WithHeartbeat(app.cache),
		anchoring.WithTracer(app.tracer),
	)
	g.Go(func() error {
		return worker.Run(ctx)
	})

	if app.db != nil {
		var timeline *projections.TimelineProjector
		if cfg.Elasticsearch.Enabled {
			esClient, err := projections.NewElasticsearchClient(cfg.Elasticsearch)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to initialize Elasticsearch, continuing without search indexing")
			} else if err := projections.EnsureIndices(esClient, cfg); err != nil {
				log.Warn().Err(err).Msg("Failed to create Elasticsearch indices, continuing without search indexing")
			} else {
				timeline = projections.NewTimelineProjector(esClient, cfg)
			}
		}

		legacy := projections.NewLegacyProjector(app.db, app.store)
		processor := projections.NewEventProcessor(app.db, app.store, legacy, timeline,
			cfg.Projection.BatchSize, cfg.Projection.Interval)
		g.Go(func() error {
			processor.Start(ctx)
			<-ctx.Done()
			processor.Stop()
			return nil
		})
	} else {
		log.Warn().Msg("In-memory ledger has no projections, projection processor disabled")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker exited properly")
	return nil
}
