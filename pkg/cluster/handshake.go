// Package cluster runs the cluster auto-setup handshake on top of a
// communicator.
//
// Rank 0 is the head. It generates a setup session, sends its address to
// every worker, then waits for each worker, in ascending rank order, to
// report that it is ready. Any worker reporting something other than an OK
// status aborts the setup immediately. At the end of the run the head sends
// a shutdown sentinel to every worker and both sides drain and close their
// channels.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/comm"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// Handshake coordinates setup and shutdown of one rank
type Handshake struct {
	comm    *comm.Communicator
	world   types.World
	resolve AddressResolver
	logger  *logger.Logger

	mu           sync.Mutex
	state        State
	localAddress string
	setup        types.SetupConfig
	result       *types.RemoteClusterConfig
	tornDown     bool
}

// Option configures a Handshake
type Option func(*Handshake)

// WithAddressResolver replaces local address detection
func WithAddressResolver(r AddressResolver) Option {
	return func(h *Handshake) {
		h.resolve = r
	}
}

// New creates a handshake driving c
func New(c *comm.Communicator, log *logger.Logger, opts ...Option) *Handshake {
	world := c.World()
	h := &Handshake{
		comm:    c,
		world:   world,
		resolve: HostnameAddress,
		logger:  logger.OrDefault(log, "cluster"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CommOptions returns communicator options whose tags include the reserved
// handshake tags
func CommOptions(cfg *config.Config) comm.Options {
	opts := comm.OptionsFromConfig(cfg)
	tags := types.HandshakeTags()
	if len(cfg.Comm.AllowedTags) > 0 {
		tags = append(tags, cfg.Comm.Tags()...)
	}
	opts.Tags = tags
	return opts
}

// State returns the current handshake state
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Setup returns the setup configuration shared by the head
func (h *Handshake) Setup() types.SetupConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setup
}

// Result returns the cluster configuration produced by Init, or nil
func (h *Handshake) Result() *types.RemoteClusterConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *Handshake) transition(s State) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()
	h.logger.Info("Handshake state changed", "from", prev.String(), "to", s.String())
}

// Init runs the setup side of the handshake and returns the resulting
// cluster configuration
func (h *Handshake) Init(ctx context.Context) (*types.RemoteClusterConfig, error) {
	addr, err := h.resolve(ctx)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to resolve local address", err)
	}
	h.mu.Lock()
	h.localAddress = addr
	h.mu.Unlock()
	h.logger.Info("Detected local address", "address", addr)

	result := &types.RemoteClusterConfig{
		WorldSize:          h.world.Size(),
		WorldRank:          h.world.Rank(),
		MainNode:           h.world.MainNode(),
		MultinodeAvailable: h.world.MultinodeAvailable(),
		LocalAddress:       addr,
		Workers:            []string{},
	}

	if !h.world.MultinodeAvailable() {
		h.transition(StateLocal)
		result.HeadAddress = addr
		h.finish(result)
		return result, nil
	}

	if err := h.comm.Initialize(ctx); err != nil {
		return nil, err
	}

	if h.world.MainNode() {
		err = h.initHead(ctx, result)
	} else {
		err = h.initWorker(ctx, result)
	}
	if err != nil {
		return nil, err
	}

	h.transition(StateRunning)
	h.finish(result)
	return result, nil
}

func (h *Handshake) finish(result *types.RemoteClusterConfig) {
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()
	h.logger.Info("Cluster setup complete",
		"head", result.HeadAddress,
		"workers", len(result.Workers),
		"main_node", result.MainNode)
}

func (h *Handshake) initHead(ctx context.Context, result *types.RemoteClusterConfig) error {
	h.transition(StateHeadSetup)
	setup := types.SetupConfig{
		SessionID:   types.GenerateID(),
		HeadAddress: result.LocalAddress,
	}
	h.mu.Lock()
	h.setup = setup
	h.mu.Unlock()
	result.HeadAddress = setup.HeadAddress

	for _, peer := range h.world.Peers() {
		if err := h.comm.Send(ctx, setup, peer, types.TagClusterSetup); err != nil {
			return err
		}
	}
	h.logger.Info("Setup config sent to workers", "session_id", setup.SessionID.String())

	h.transition(StateAwaitingWorkers)
	for _, peer := range h.world.Peers() {
		payload, err := h.comm.Recv(ctx, peer, types.TagSetupFinished)
		if err != nil {
			return err
		}
		status, err := parseStatus(payload)
		if err != nil {
			return types.WrapError(types.ErrCodeSetupFailure,
				fmt.Sprintf("node #%d failed to setup, status==%s", peer, string(payload)), err)
		}
		if status.Status != types.StatusOK {
			return types.NewError(types.ErrCodeSetupFailure,
				fmt.Sprintf("node #%d failed to setup, status: %s", peer, string(payload)))
		}
		h.logger.Info("Node status received", "node", peer, "address", status.LocalAddress)
		result.Workers = append(result.Workers, status.LocalAddress)
	}
	return nil
}

// parseStatus accepts only a JSON object carrying a status field
func parseStatus(payload json.RawMessage) (types.WorkerStatus, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return types.WorkerStatus{}, err
	}
	if _, ok := fields["status"]; !ok {
		return types.WorkerStatus{}, errors.New("status field missing")
	}
	var status types.WorkerStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return types.WorkerStatus{}, err
	}
	return status, nil
}

func (h *Handshake) initWorker(ctx context.Context, result *types.RemoteClusterConfig) error {
	h.transition(StateClusterSetup)
	setup, err := comm.RecvInto[types.SetupConfig](ctx, h.comm, 0, types.TagClusterSetup)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.setup = setup
	h.mu.Unlock()
	result.HeadAddress = setup.HeadAddress
	h.logger.Info("Setup config received",
		"session_id", setup.SessionID.String(),
		"head", setup.HeadAddress)

	h.transition(StateReportReady)
	status := types.WorkerStatus{LocalAddress: result.LocalAddress, Status: types.StatusOK}
	return h.comm.Send(ctx, status, 0, types.TagSetupFinished)
}

// PollShutdown checks once, without blocking beyond a single poll, whether
// the head has sent the shutdown sentinel. Any other message on the
// shutdown tag is consumed, logged and ignored.
func (h *Handshake) PollShutdown(ctx context.Context) (bool, error) {
	payload, ok, err := h.comm.Iprobe(ctx, 0, types.TagClusterShutdown)
	if err != nil || !ok {
		return false, err
	}
	var msg string
	if err := json.Unmarshal(payload, &msg); err != nil || msg != types.ShutdownSentinel {
		h.logger.Info("Received a message that is not shutdown on the shutdown tag",
			"payload", string(payload))
		return false, nil
	}
	return true, nil
}

// Shutdown ends the run. The head sends the shutdown sentinel to every
// worker; a worker polls until the sentinel arrives or ctx ends. Both then
// tear down.
func (h *Handshake) Shutdown(ctx context.Context) error {
	var err error
	switch {
	case !h.world.MultinodeAvailable():
	case h.world.MainNode():
		err = h.broadcastShutdown(ctx)
	default:
		err = h.awaitShutdown(ctx)
	}
	h.Teardown(ctx)
	return err
}

func (h *Handshake) broadcastShutdown(ctx context.Context) error {
	var errs []error
	for _, peer := range h.world.Peers() {
		if err := h.comm.Send(ctx, types.ShutdownSentinel, peer, types.TagClusterShutdown); err != nil {
			h.logger.Error("Failed to send shutdown", "node", peer, "error", err)
			errs = append(errs, err)
		}
	}
	h.logger.Info("Shutdown sent to workers", "workers", len(h.world.Peers()))
	return errors.Join(errs...)
}

func (h *Handshake) awaitShutdown(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := h.PollShutdown(ctx)
		if err != nil {
			return err
		}
		if done {
			h.logger.Info("Shutdown received from head")
			return nil
		}
	}
}

// Teardown drains every receiver and closes every channel. It runs once;
// faults are logged, never returned.
func (h *Handshake) Teardown(ctx context.Context) {
	h.mu.Lock()
	if h.tornDown {
		h.mu.Unlock()
		return
	}
	h.tornDown = true
	h.mu.Unlock()

	h.transition(StateTeardown)
	if !h.world.MultinodeAvailable() {
		return
	}
	// drain and close even if the caller's context is already done
	teardownCtx := context.WithoutCancel(ctx)
	h.comm.FlushRecv(teardownCtx)
	h.comm.Finalize(teardownCtx)
}
