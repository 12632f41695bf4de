package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/fulfillment/internal/ingress"
	"example.com/backstage/fulfillment/internal/messaging"
	"example.com/backstage/fulfillment/internal/outbound"
)

var withAPI bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the event worker",
	Long: `Start the worker that consumes platform events, drives the order saga,
drains the outbox and runs the periodic sweeps`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&withAPI, "with-api", false, "also serve the operational HTTP API")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	bus, err := newBroker(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close broker")
		}
	}()

	publisher := outbound.NewPublisher(bus, a.store, outboxPolicy(cfg), cfg.Outbox.PublishTimeout, a.metrics, a.tracer,
		log.With().Str("component", "publisher").Logger())
	relay := outbound.NewRelay(a.store, publisher, newInventoryClient(), a.saga.OnReservationDenied, outboxPolicy(cfg),
		cfg.Outbox.BatchSize, a.metrics, a.tracer, log.With().Str("component", "relay").Logger())
	dispatcher := ingress.NewDispatcher(a.ingress.Ingest, cfg.Worker.Workers, cfg.Worker.QueueSize, a.metrics,
		log.With().Str("component", "dispatcher").Logger())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("driver", cfg.Broker.Driver).Msg("Starting broker consumer")
		a.metrics.SetHealth("broker", true)
		err := bus.Consume(ctx, func(ctx context.Context, msg messaging.Message) error {
			return dispatcher.Dispatch(ctx, msg)
		})
		dispatcher.Stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			a.metrics.SetHealth("broker", false)
			return errors.Wrap(err, "broker consumer stopped")
		}
		return nil
	})

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if err := registerJobs(ctx, scheduler, a, relay); err != nil {
			return err
		}
		scheduler.Start()
		log.Info().Int("jobs", len(scheduler.Jobs())).Msg("Scheduler started")

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if withAPI {
		server := a.apiServer()
		g.Go(server.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// registerJobs schedules the outbox relay, the overdue and reservation sweeps
// and the health checks. Every job runs as a singleton.
func registerJobs(ctx context.Context, scheduler gocron.Scheduler, a *app, relay *outbound.Relay) error {
	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)
	batch := cfg.Scheduler.SweepBatchSize

	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"outbox-relay", cfg.Outbox.PollInterval, func() {
			for {
				n, err := relay.Drain(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Msg("Outbox relay failed")
					}
					return
				}
				if n < cfg.Outbox.BatchSize {
					return
				}
			}
		}},
		{"overdue-sweep", cfg.Scheduler.OverdueInterval, func() {
			n, err := a.billing.SweepOverdue(ctx, batch)
			if err != nil {
				log.Error().Err(err).Msg("Overdue sweep failed")
				return
			}
			if n > 0 {
				log.Info().Int("invoices", n).Msg("Marked invoices overdue")
			}
		}},
		{"reservation-timeout", cfg.Scheduler.ReservationInterval, func() {
			n, err := a.saga.ExpireStaleReservations(ctx, batch)
			if err != nil {
				log.Error().Err(err).Msg("Reservation timeout sweep failed")
				return
			}
			if n > 0 {
				log.Info().Int("orders", n).Msg("Cancelled orders with stale reservations")
			}
		}},
		{"health-check", 30 * time.Second, func() {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			a.checkHealth(checkCtx)
		}},
	}

	for _, job := range jobs {
		if job.interval <= 0 {
			log.Warn().Str("job", job.name).Msg("Job disabled, no interval configured")
			continue
		}
		_, err := scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.task),
			gocron.WithName(job.name),
			singleton,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to schedule %s", job.name)
		}
	}
	return nil
}
