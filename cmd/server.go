package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TemporalDynamics/ecosign-sub001/api"
	"github.com/TemporalDynamics/ecosign-sub001/messaging"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server and the queue consumer",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Info().Str("store", cfg.Ledger.Store).Msg("Starting server")

	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Queue intake is optional; producers can also use HTTP
	if cfg.Azure.QueueConnStr != "" {
		azureClient, err := messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		msgProcessor := messaging.NewProcessor(app.gateway, app.documents, app.submitter)
		g.Go(func() error {
			return azureClient.StartConsumers(ctx, cfg.Azure.EventsQueueName, msgProcessor)
		})
	} else {
		log.Warn().Msg("Azure Service Bus not configured, queue intake disabled")
	}

	server := api.NewServer(cfg, api.Dependencies{
		Gateway:   app.gateway,
		Documents: app.documents,
		Reader:    app.reader,
		Submitter: app.submitter,
		Heartbeat: app.cache,
		Tracer:    app.tracer,
		Ping:      app.ping,
	})

	g.Go(server.Start)

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	log.Info().Msg("Server exited properly")
	return nil
}
