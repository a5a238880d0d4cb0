package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/comm"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

var helloTag string

// helloMessage is exchanged by the hello workload
type helloMessage struct {
	From int    `json:"from"`
	Msg  string `json:"msg"`
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Exchange greetings between the head and every worker",
	Long: `hello checks that messages flow both ways: the head sends a greeting to
every worker on the given tag and waits for each to answer.`,
	RunE: runHelloCmd,
}

func init() {
	helloCmd.Flags().StringVar(&helloTag, "tag", "a", "Tag used for the exchange")
}

func runHelloCmd(cmd *cobra.Command, args []string) error {
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

	opts := comm.OptionsFromConfig(cfg)
	opts.Tags = append(opts.Tags, types.Tag(helloTag))
	c := comm.New(world, client, opts, log)
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	defer c.Finalize(context.WithoutCancel(ctx))

	fmt.Fprintf(cmd.OutOrStdout(), "Multinode config: %s\n", world.String())
	received, err := runHello(ctx, c, types.Tag(helloTag), log)
	if err != nil {
		return err
	}
	printGreetings(cmd.OutOrStdout(), received)
	return nil
}

// runHello runs the greeting exchange for the local rank and returns what it
// received
func runHello(ctx context.Context, c *comm.Communicator, tag types.Tag, log *logger.Logger) ([]helloMessage, error) {
	world := c.World()
	rank := world.Rank()
	var received []helloMessage

	if world.MainNode() {
		for _, peer := range world.Peers() {
			if err := c.Send(ctx, helloMessage{From: rank, Msg: "hello from main node"}, peer, tag); err != nil {
				return nil, err
			}
		}
		log.Info("Waiting for responses", "workers", len(world.Peers()))
		for _, peer := range world.Peers() {
			msg, err := comm.RecvInto[helloMessage](ctx, c, peer, tag)
			if err != nil {
				return nil, err
			}
			received = append(received, msg)
		}
		return received, nil
	}

	msg, err := comm.RecvInto[helloMessage](ctx, c, 0, tag)
	if err != nil {
		return nil, err
	}
	received = append(received, msg)
	log.Info("Sending response", "to", 0)
	if err := c.Send(ctx, helloMessage{From: rank, Msg: "hello from other node"}, 0, tag); err != nil {
		return nil, err
	}
	return received, nil
}

func printGreetings(w io.Writer, msgs []helloMessage) {
	for _, m := range msgs {
		fmt.Fprintf(w, "Received message from rank %d: %s\n", m.From, m.Msg)
	}
}
