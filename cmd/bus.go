package cmd

import (
	"context"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus/membus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus/servicebus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// newBusClient builds the bus backend selected by the configuration. The
// memory backend lives inside this process, so it only serves a world of
// one rank here; use the simulate command to run a whole world in memory.
func newBusClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (bus.Client, error) {
	switch cfg.Bus.Backend {
	case config.BackendMemory:
		if cfg.World.Size > 1 {
			return nil, types.NewError(types.ErrCodeConfiguration,
				"the memory backend cannot reach other processes, use the simulate command for a multi-rank world")
		}
		return membus.NewBroker(log).Client(cfg.Bus.Topic, cfg.Bus.Subscription), nil
	default:
		return servicebus.New(ctx, cfg.Bus, log)
	}
}
