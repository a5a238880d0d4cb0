package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/cluster"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/comm"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

var (
	holdFor      time.Duration
	outputFormat string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run the cluster auto-setup handshake and print the cluster configuration",
	Long: `setup runs the handshake for this rank. The head (rank 0) shares its
address with every worker and waits for each to report ready; workers wait
for the head's address, report ready, then wait for the head to shut the
cluster down. The resulting cluster configuration is printed to stdout.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().DurationVar(&holdFor, "hold", 0,
		"How long the head keeps the cluster up before shutting it down")
	setupCmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml",
		"Output format: yaml, json")
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	world, err := types.NewWorld(cfg.World.Size, cfg.World.Rank)
	if err != nil {
		return err
	}
	log := rootLog.ForRank(world)

	ctx, stop := signalContext(cmd.Context(), log)
	defer stop()

	client, err := newBusClient(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close(context.WithoutCancel(ctx))

	c := comm.New(world, client, cluster.CommOptions(cfg), log)
	hs := cluster.New(c, log, handshakeOptions(cfg)...)
	defer hs.Teardown(ctx)

	log.Info("Starting cluster setup", "world", world.String())
	result, err := hs.Init(ctx)
	if err != nil {
		return err
	}
	if result.MainNode {
		log.Info("Running on head node")
	} else {
		log.Info("Running on cluster node")
	}
	if err := printClusterConfig(cmd.OutOrStdout(), outputFormat, result); err != nil {
		return err
	}

	if result.MainNode && holdFor > 0 {
		log.Info("Holding cluster", "duration", holdFor.String())
		select {
		case <-time.After(holdFor):
		case <-ctx.Done():
		}
	}

	// the head always releases its workers, even when interrupted
	shutdownCtx := context.WithoutCancel(ctx)
	if !result.MainNode {
		shutdownCtx = ctx
		if cfg.Setup.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, cfg.Setup.ShutdownTimeout)
			defer cancel()
		}
	}
	return hs.Shutdown(shutdownCtx)
}

func handshakeOptions(cfg *config.Config) []cluster.Option {
	if cfg.Setup.LocalAddress != "" {
		return []cluster.Option{cluster.WithAddressResolver(cluster.StaticAddress(cfg.Setup.LocalAddress))}
	}
	return nil
}

func printClusterConfig(w io.Writer, format string, result any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid output format: %s (must be yaml or json)", format))
	}
}
