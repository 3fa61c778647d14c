package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	consumer "github.com/bdna/kinesis-consumer-group"
	"github.com/bdna/kinesis-consumer-group/checkpoint"
	"github.com/bdna/kinesis-consumer-group/config"
	"github.com/bdna/kinesis-consumer-group/lock"
	"github.com/bdna/kinesis-consumer-group/provision"
	"github.com/bdna/kinesis-consumer-group/stream"
)

// runOptions holds flags for the run command.
type runOptions struct {
	*rootOptions
	MetricsAddr string
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the consumer group and print every record",
		Long: `Join the consumer group of the configured stream. Shards are claimed
through the shared lock table, consumed from their last checkpoint and
printed to stdout as "<shard id> <sequence number> <data>" lines.

Example:
  kinesis-coordinator run --config ./orders.ini --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCoordinator(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runCoordinator(ctx context.Context, opts *runOptions, out io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	b, err := newBackend(cfg.Backend)
	if err != nil {
		return err
	}
	defer b.Close()

	c, err := newCoordinator(cfg, b, opts.logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				opts.logger.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var mu sync.Mutex
	return c.Run(ctx, func(_ context.Context, shardID string, records []stream.Record) error {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range records {
			if _, err := fmt.Fprintf(out, "%s %s %s\n", shardID, r.SequenceNumber, r.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// newCoordinator wires the configured stores into a Coordinator.
func newCoordinator(cfg *config.Config, b *backend, logger log.Interface, reg prometheus.Registerer) (*consumer.Coordinator, error) {
	locks := lock.NewRegistry(b.store,
		lock.WithTable(cfg.Locks.Table),
		lock.WithKeyPrefix(cfg.Locks.KeyPrefix),
		lock.WithCapacity(cfg.Locks.ReadCapacity, cfg.Locks.WriteCapacity),
		lock.WithCreateRetries(cfg.Locks.CreateRetries, cfg.Locks.CreateDelay),
		lock.WithLogger(logger),
	)
	checkpoints := checkpoint.New(b.store,
		checkpoint.WithTable(cfg.Checkpoint.Table),
		checkpoint.WithGroup(cfg.Checkpoint.Group),
		checkpoint.WithCapacity(cfg.Checkpoint.ReadCapacity, cfg.Checkpoint.WriteCapacity),
		checkpoint.WithCreateRetries(cfg.Checkpoint.CreateRetries, cfg.Checkpoint.CreateDelay),
		checkpoint.WithTimeToLive(cfg.Checkpoint.TimeToLive),
		checkpoint.WithLogger(logger),
	)

	return consumer.New(cfg.Stream.Name,
		consumer.WithStreamService(b.svc),
		consumer.WithProvisioner(newProvisioner(cfg, b, logger)),
		consumer.WithLockRegistry(locks),
		consumer.WithCheckpoint(checkpoints),
		consumer.WithLogger(logger),
		consumer.WithGroup(cfg.Checkpoint.Group),
		consumer.WithInstanceID(cfg.Consumer.InstanceID),
		consumer.WithShardCount(cfg.Stream.ShardCount),
		consumer.WithInitialPosition(cfg.InitialPosition()),
		consumer.WithLeaseDuration(cfg.Locks.LeaseDuration),
		consumer.WithHeartbeatPeriod(cfg.Locks.HeartbeatPeriod),
		consumer.WithDiscoveryInterval(cfg.Consumer.DiscoveryInterval),
		consumer.WithClaimRetryPeriod(cfg.Locks.RefreshPeriod),
		consumer.WithPollInterval(cfg.Consumer.PollInterval),
		consumer.WithMaxRecords(cfg.Consumer.MaxRecords),
		consumer.WithHandlerRetries(cfg.Consumer.HandlerRetries, cfg.Consumer.HandlerRetryDelay),
		consumer.WithGracePeriod(cfg.Consumer.GracePeriod),
		consumer.WithCallTimeout(cfg.Consumer.CallTimeout),
		consumer.WithRegisterer(reg),
	)
}

func newProvisioner(cfg *config.Config, b *backend, logger log.Interface) *provision.Provisioner {
	return provision.New(b.svc,
		provision.WithRetries(cfg.Stream.ProvisionRetries),
		provision.WithDelay(cfg.Stream.ProvisionDelay),
		provision.WithAutoAddShards(cfg.Stream.AutoAddShards),
		provision.WithLogger(logger),
	)
}
