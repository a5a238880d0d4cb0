// Package comm provides MPI-like point-to-point messaging between the ranks
// of a world, relayed through a session-aware message bus.
//
// Each ordered (source, target, tag) triple is a channel with its own bus
// session "{source}=>{target}:{tag}". Payloads travel as JSON. Receives
// poll the session in bounded waits and retry transient bus faults; a lost
// session lock reopens the session before polling again.
package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// Options tunes a Communicator
type Options struct {
	// ReceiveWait bounds a single poll of a receiver
	ReceiveWait time.Duration
	// MaxMessages bounds how many messages a single poll may return
	MaxMessages int
	Retry       RetryPolicy
	// Tags are opened for every pair of ranks by Initialize
	Tags []types.Tag
	// LazyInit skips opening every channel in Initialize
	LazyInit bool
	// Subscription is applied when Initialize has to create the subscription
	Subscription bus.SubscriptionProperties
}

// DefaultOptions returns the options matching the default configuration
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig derives communicator options from the configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReceiveWait: cfg.Comm.ReceiveWait,
		MaxMessages: cfg.Comm.MaxMessages,
		Retry: RetryPolicy{
			MaxFaults:     cfg.Comm.MaxFaults,
			MaxLockLosses: cfg.Comm.MaxLockLosses,
			MaxAttempts:   cfg.Comm.MaxAttempts,
		},
		Tags:     cfg.Comm.Tags(),
		LazyInit: cfg.Comm.LazyInit,
		Subscription: bus.SubscriptionProperties{
			RequiresSession:  true,
			MessageTTL:       cfg.Subscription.MessageTTL,
			MaxDeliveryCount: cfg.Subscription.MaxDeliveryCount,
			AutoDeleteOnIdle: cfg.Subscription.AutoDeleteOnIdle,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.ReceiveWait <= 0 {
		o.ReceiveWait = config.DefaultReceiveWait
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = config.DefaultMaxMessages
	}
	o.Retry = o.Retry.withDefaults()
	if len(o.Tags) == 0 {
		o.Tags = []types.Tag{types.AnyTag}
	}
	return o
}

// Communicator sends and receives JSON payloads between ranks
type Communicator struct {
	world    types.World
	client   bus.Client
	registry *Registry
	opts     Options
	logger   *logger.Logger
}

// New creates a communicator for the local rank of world. Nothing is opened
// until Initialize or the first Send or Recv.
func New(world types.World, client bus.Client, opts Options, log *logger.Logger) *Communicator {
	log = logger.OrDefault(log, "comm").With("rank", world.Rank())
	return &Communicator{
		world:    world,
		client:   client,
		registry: NewRegistry(world, client, log),
		opts:     opts.withDefaults(),
		logger:   log,
	}
}

// World returns the topology the communicator was built for
func (c *Communicator) World() types.World {
	return c.world
}

// Registry exposes the channel registry
func (c *Communicator) Registry() *Registry {
	return c.registry
}

// Initialize makes sure the shared subscription exists, creating it with
// session affinity if needed, then opens every channel unless LazyInit is set.
func (c *Communicator) Initialize(ctx context.Context) error {
	exists, err := c.client.SubscriptionExists(ctx)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to look up subscription", err)
	}
	if !exists {
		// the first rank to get here creates it for everyone
		err := c.client.CreateSubscription(ctx, c.opts.Subscription)
		if err != nil {
			exists, lookupErr := c.client.SubscriptionExists(ctx)
			if lookupErr != nil || !exists {
				return types.WrapError(types.ErrCodeUnavailable, "failed to create subscription", err)
			}
			c.logger.Debug("Subscription created concurrently by another rank")
		}
	}

	if c.opts.LazyInit {
		c.logger.Info("Communicator initialized", "world", c.world.String(), "lazy", true)
		return nil
	}
	if err := c.registry.BulkOpen(ctx, c.opts.Tags); err != nil {
		return err
	}
	c.logger.Info("Communicator initialized", "world", c.world.String(), "lazy", false)
	return nil
}

// Finalize closes every channel. Failures are logged, never returned.
func (c *Communicator) Finalize(ctx context.Context) {
	faults := c.registry.CloseAll(ctx)
	c.logger.Info("Communicator finalized", "faults", faults)
}

func (c *Communicator) checkPeer(peer int) error {
	if peer < 0 || peer >= c.world.Size() {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("rank %d is outside world %s", peer, c.world.String()))
	}
	return nil
}

// Send JSON-encodes message and publishes it once on the channel from the
// local rank to target. It is not retried.
func (c *Communicator) Send(ctx context.Context, message any, target int, tag types.Tag) error {
	if err := c.checkPeer(target); err != nil {
		return err
	}
	key, err := types.NewChannelKey(c.world.Rank(), target, tag)
	if err != nil {
		return err
	}
	body, err := json.Marshal(message)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to encode message for "+key.SessionID(), err)
	}

	err = c.registry.WithSender(ctx, key, func(s bus.Sender) error {
		return s.Send(ctx, &bus.Message{
			SessionID:   key.SessionID(),
			ContentType: bus.ContentTypeJSON,
			Body:        body,
		})
	})
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeInvalidChannel) {
			return err
		}
		return types.WrapError(types.ErrCodeSendFailed, "send on "+key.SessionID(), err)
	}
	c.logger.Debug("Message sent", "session_id", key.SessionID(), "bytes", len(body))
	return nil
}

// Recv blocks until a message arrives on the channel from source to the
// local rank and returns its payload
func (c *Communicator) Recv(ctx context.Context, source int, tag types.Tag) (json.RawMessage, error) {
	payload, _, err := c.recv(ctx, source, tag, true)
	return payload, err
}

// Iprobe is a non-blocking receive. It polls the channel once and, if a
// message is there, consumes and returns it.
func (c *Communicator) Iprobe(ctx context.Context, source int, tag types.Tag) (json.RawMessage, bool, error) {
	return c.recv(ctx, source, tag, false)
}

// RecvInto receives a message and decodes it into a T
func RecvInto[T any](ctx context.Context, c *Communicator, source int, tag types.Tag) (T, error) {
	var v T
	payload, err := c.Recv(ctx, source, tag)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, types.WrapError(types.ErrCodeInvalid, fmt.Sprintf("unexpected payload from rank %d", source), err)
	}
	return v, nil
}

// IprobeInto probes for a message and decodes it into a T
func IprobeInto[T any](ctx context.Context, c *Communicator, source int, tag types.Tag) (T, bool, error) {
	var v T
	payload, ok, err := c.Iprobe(ctx, source, tag)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, true, types.WrapError(types.ErrCodeInvalid, fmt.Sprintf("unexpected payload from rank %d", source), err)
	}
	return v, true, nil
}

func (c *Communicator) recv(ctx context.Context, source int, tag types.Tag, blocking bool) (json.RawMessage, bool, error) {
	if err := c.checkPeer(source); err != nil {
		return nil, false, err
	}
	key, err := types.NewChannelKey(source, c.world.Rank(), tag)
	if err != nil {
		return nil, false, err
	}

	retry := newRetryState(c.opts.Retry)
	for !retry.exhausted() {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		payload, ok, err := c.poll(ctx, key)
		switch {
		case err == nil && ok:
			return payload, true, nil
		case err == nil && !blocking:
			return nil, false, nil
		case err == nil:
			retry.reset()
		case ctx.Err() != nil:
			return nil, false, ctx.Err()
		case bus.IsSessionLockLost(err):
			retry.lockLost(err)
			c.logger.Warn("Session lock lost, reinitializing",
				"session_id", key.SessionID(),
				"lock_losses", retry.lockLosses)
			if rerr := c.registry.ReinitializeSession(ctx, key); rerr != nil {
				c.logger.Warn("Session reinitialization failed", "session_id", key.SessionID(), "error", rerr)
			}
		case types.IsErrCode(err, types.ErrCodeConfiguration), types.IsErrCode(err, types.ErrCodeInvalidChannel):
			return nil, false, err
		default:
			retry.fault(err)
			c.logger.Warn("Receive failed, retrying",
				"session_id", key.SessionID(),
				"faults", retry.faults,
				"error", err)
		}
	}
	return nil, false, retry.err(key)
}

// poll runs one receive on key. The first message of the batch is
// completed and returned; the rest are abandoned for redelivery. If the
// completion fails the whole batch is abandoned.
func (c *Communicator) poll(ctx context.Context, key types.ChannelKey) (json.RawMessage, bool, error) {
	var payload json.RawMessage
	var got bool
	err := c.registry.WithReceiver(ctx, key, func(r bus.Receiver) error {
		msgs, err := r.Receive(ctx, c.opts.MaxMessages, c.opts.ReceiveWait)
		if err != nil || len(msgs) == 0 {
			return err
		}
		if err := r.Complete(ctx, msgs[0]); err != nil {
			c.abandon(ctx, key, r, msgs)
			return err
		}
		payload = json.RawMessage(msgs[0].Body)
		got = true
		c.abandon(ctx, key, r, msgs[1:])
		return nil
	})
	return payload, got, err
}

// abandon hands msgs back to the session for redelivery
func (c *Communicator) abandon(ctx context.Context, key types.ChannelKey, r bus.Receiver, msgs []*bus.ReceivedMessage) {
	for _, m := range msgs {
		if err := r.Abandon(ctx, m); err != nil {
			c.logger.Debug("Failed to abandon message", "session_id", key.SessionID(), "error", err)
		}
	}
}

// FlushRecv drains every open receiver, acknowledging whatever is still
// queued. Faults are logged and swallowed.
func (c *Communicator) FlushRecv(ctx context.Context) {
	flushed := 0
	c.registry.EachReceiver(ctx, func(key types.ChannelKey, r bus.Receiver) error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			msgs, err := r.Receive(ctx, c.opts.MaxMessages, c.opts.ReceiveWait)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}
			for _, m := range msgs {
				if err := r.Complete(ctx, m); err != nil {
					return err
				}
				flushed++
			}
		}
	})
	c.logger.Debug("Receivers flushed", "messages", flushed)
}
