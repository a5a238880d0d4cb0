package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus/membus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/cluster"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/comm"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

var (
	simulateSize int
	simulateWait time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a whole world in this process over the in-memory bus",
	Long: `simulate starts every rank of a world as a goroutine sharing one
in-memory bus, runs the setup handshake and the hello exchange on each, then
shuts the cluster down. It needs no Azure resources.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simulateSize, "size", 3, "Number of ranks to simulate")
	simulateCmd.Flags().DurationVar(&simulateWait, "receive-wait", 100*time.Millisecond,
		"Bounded wait of a single receive poll")
}

// simulationConfig loads the configuration and forces the memory backend
func simulationConfig(rank int) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.Bus.Backend = config.BackendMemory
	if cfg.Bus.Topic == "" {
		cfg.Bus.Topic = "simulate"
	}
	if cfg.Bus.Subscription == "" {
		cfg.Bus.Subscription = "simulate"
	}
	cfg.World.Size = simulateSize
	cfg.World.Rank = rank
	cfg.Comm.ReceiveWait = simulateWait
	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:  logLevel,
		LogFormat: logFormat,
		LogOutput: logOutput,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	head, err := simulationConfig(0)
	if err != nil {
		return err
	}
	if err := applyLogging(head.Logging); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context(), rootLog)
	defer stop()

	broker := membus.NewBroker(rootLog)
	defer broker.Close()

	results := make([]*types.RemoteClusterConfig, simulateSize)
	greetings := make([][]helloMessage, simulateSize)

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < simulateSize; rank++ {
		rank := rank
		cfg, err := simulationConfig(rank)
		if err != nil {
			return err
		}
		world, err := types.NewWorld(cfg.World.Size, cfg.World.Rank)
		if err != nil {
			return err
		}
		log := rootLog.ForRank(world)
		opts := cluster.CommOptions(cfg)
		opts.Tags = append(opts.Tags, types.Tag(helloTag))
		c := comm.New(world, broker.Client(cfg.Bus.Topic, cfg.Bus.Subscription), opts, log)
		hs := cluster.New(c, log, cluster.WithAddressResolver(cluster.StaticAddress(fmt.Sprintf("127.0.0.%d", rank+1))))

		g.Go(func() error {
			defer hs.Teardown(gctx)
			result, err := hs.Init(gctx)
			if err != nil {
				return fmt.Errorf("rank %d setup: %w", rank, err)
			}
			results[rank] = result

			received, err := runHello(gctx, c, types.Tag(helloTag), log)
			if err != nil {
				return fmt.Errorf("rank %d hello: %w", rank, err)
			}
			greetings[rank] = received

			if err := hs.Shutdown(gctx); err != nil {
				return fmt.Errorf("rank %d shutdown: %w", rank, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for rank := 0; rank < simulateSize; rank++ {
		fmt.Fprintf(out, "--- rank %d\n", rank)
		if err := printClusterConfig(out, "yaml", results[rank]); err != nil {
			return err
		}
		printGreetings(out, greetings[rank])
	}
	stats := broker.Stats()
	rootLog.Info("Simulation complete",
		"ranks", simulateSize,
		"messages_sent", stats.MessagesSent,
		"messages_completed", stats.MessagesCompleted,
		"locks_lost", stats.LocksLost)
	return nil
}
