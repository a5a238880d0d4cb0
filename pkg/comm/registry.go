package comm

import (
	"context"
	"sort"
	"sync"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// channel holds the bus resources of one ChannelKey. The sender exists only
// when the local rank is the source, the receiver only when it is the target.
type channel struct {
	mu       sync.Mutex
	key      types.ChannelKey
	conn     bus.Conn
	sender   bus.Sender
	receiver bus.Receiver
}

// Registry owns every bus resource of the process, keyed by channel
type Registry struct {
	world  types.World
	dialer bus.Dialer
	logger *logger.Logger

	mu       sync.Mutex
	channels map[types.ChannelKey]*channel
}

// NewRegistry creates an empty registry for the local rank of world
func NewRegistry(world types.World, dialer bus.Dialer, log *logger.Logger) *Registry {
	return &Registry{
		world:    world,
		dialer:   dialer,
		logger:   logger.OrDefault(log, "registry").With("rank", world.Rank()),
		channels: make(map[types.ChannelKey]*channel),
	}
}

// entry returns the channel for key, creating an empty one
func (r *Registry) entry(key types.ChannelKey) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[key]
	if !ok {
		ch = &channel{key: key}
		r.channels[key] = ch
	}
	return ch
}

// snapshot returns the current channels ordered by key
func (r *Registry) snapshot() []*channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].key, out[j].key) })
	return out
}

func keyLess(a, b types.ChannelKey) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Target != b.Target {
		return a.Target < b.Target
	}
	return a.Tag < b.Tag
}

// withChannel runs fn holding the channel's lock
func (r *Registry) withChannel(key types.ChannelKey, fn func(ch *channel) error) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ch := r.entry(key)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return fn(ch)
}

// dial opens the connection of ch if absent. Caller holds ch.mu.
func (r *Registry) dial(ctx context.Context, ch *channel) error {
	if ch.conn != nil {
		return nil
	}
	conn, err := r.dialer.Dial(ctx, ch.key.SessionID())
	if err != nil {
		return err
	}
	ch.conn = conn
	r.logger.Debug("Connection opened", "session_id", ch.key.SessionID())
	return nil
}

// open makes sure ch has a connection plus the sender or receiver the local
// rank needs. Caller holds ch.mu.
func (r *Registry) open(ctx context.Context, ch *channel) error {
	if err := r.dial(ctx, ch); err != nil {
		return err
	}
	rank := r.world.Rank()
	if ch.key.Source == rank && ch.sender == nil {
		s, err := ch.conn.NewSender(ctx)
		if err != nil {
			return err
		}
		ch.sender = s
		r.logger.Debug("Sender opened", "session_id", ch.key.SessionID())
	}
	if ch.key.Target == rank && ch.receiver == nil {
		rc, err := ch.conn.AcceptSession(ctx)
		if err != nil {
			return err
		}
		ch.receiver = rc
		r.logger.Debug("Session accepted", "session_id", ch.key.SessionID())
	}
	return nil
}

// EnsureClient opens the connection for key if it is not open yet
func (r *Registry) EnsureClient(ctx context.Context, key types.ChannelKey) error {
	return r.withChannel(key, func(ch *channel) error {
		return r.dial(ctx, ch)
	})
}

// EnsureSession opens the connection for key and, depending on which end
// the local rank is, its sender or receiver
func (r *Registry) EnsureSession(ctx context.Context, key types.ChannelKey) error {
	return r.withChannel(key, func(ch *channel) error {
		return r.open(ctx, ch)
	})
}

// WithSender runs fn with the sender of key, opening it first if needed.
// The channel stays locked while fn runs.
func (r *Registry) WithSender(ctx context.Context, key types.ChannelKey, fn func(bus.Sender) error) error {
	if key.Source != r.world.Rank() {
		return types.NewError(types.ErrCodeInvalidChannel, "local rank is not the source of "+key.String())
	}
	return r.withChannel(key, func(ch *channel) error {
		if err := r.open(ctx, ch); err != nil {
			return err
		}
		return fn(ch.sender)
	})
}

// WithReceiver runs fn with the receiver of key, opening it first if needed.
// The channel stays locked while fn runs.
func (r *Registry) WithReceiver(ctx context.Context, key types.ChannelKey, fn func(bus.Receiver) error) error {
	if key.Target != r.world.Rank() {
		return types.NewError(types.ErrCodeInvalidChannel, "local rank is not the target of "+key.String())
	}
	return r.withChannel(key, func(ch *channel) error {
		if err := r.open(ctx, ch); err != nil {
			return err
		}
		return fn(ch.receiver)
	})
}

// EachReceiver runs fn for every open receiver, one channel at a time.
// Errors returned by fn are logged and do not stop the iteration.
func (r *Registry) EachReceiver(ctx context.Context, fn func(types.ChannelKey, bus.Receiver) error) {
	for _, ch := range r.snapshot() {
		ch.mu.Lock()
		if ch.receiver != nil {
			if err := fn(ch.key, ch.receiver); err != nil {
				r.logger.Warn("Receiver operation failed",
					"session_id", ch.key.SessionID(),
					"code", types.ErrCodeTeardownFault,
					"error", err)
			}
		}
		ch.mu.Unlock()
	}
}

// ReinitializeSession discards the resources of key and opens them again.
// Close failures are ignored since the old session is already broken.
func (r *Registry) ReinitializeSession(ctx context.Context, key types.ChannelKey) error {
	return r.withChannel(key, func(ch *channel) error {
		r.discard(ctx, ch)
		r.logger.Info("Reinitializing session", "session_id", key.SessionID())
		return r.open(ctx, ch)
	})
}

// discard closes and forgets everything ch holds. Caller holds ch.mu.
func (r *Registry) discard(ctx context.Context, ch *channel) {
	if ch.receiver != nil {
		if err := ch.receiver.Close(ctx); err != nil {
			r.logger.Debug("Ignoring receiver close failure", "session_id", ch.key.SessionID(), "error", err)
		}
		ch.receiver = nil
	}
	if ch.sender != nil {
		if err := ch.sender.Close(ctx); err != nil {
			r.logger.Debug("Ignoring sender close failure", "session_id", ch.key.SessionID(), "error", err)
		}
		ch.sender = nil
	}
	if ch.conn != nil {
		if err := ch.conn.Close(ctx); err != nil {
			r.logger.Debug("Ignoring connection close failure", "session_id", ch.key.SessionID(), "error", err)
		}
		ch.conn = nil
	}
}

// BulkOpen opens a connection for every ordered pair of distinct ranks and
// every tag, so that later sends and receives only attach senders and
// receivers. It dials world size squared times the tag count connections.
func (r *Registry) BulkOpen(ctx context.Context, tags []types.Tag) error {
	size := r.world.Size()
	opened := 0
	for source := 0; source < size; source++ {
		for target := 0; target < size; target++ {
			if source == target {
				continue
			}
			for _, tag := range tags {
				if err := ctx.Err(); err != nil {
					return err
				}
				key := types.ChannelKey{Source: source, Target: target, Tag: tag}
				if err := r.EnsureClient(ctx, key); err != nil {
					return err
				}
				opened++
			}
		}
	}
	r.logger.Info("Channels opened", "count", opened, "world_size", size, "tags", len(tags))
	return nil
}

// CloseAll closes every sender, then every receiver, then every connection.
// Each failure is logged and the remaining resources are still closed. It
// returns the number of failures.
func (r *Registry) CloseAll(ctx context.Context) int {
	channels := r.snapshot()
	faults := 0

	closeEach := func(kind string, pick func(ch *channel) func(context.Context) error) {
		for _, ch := range channels {
			ch.mu.Lock()
			closeFn := pick(ch)
			if closeFn != nil {
				if err := closeFn(ctx); err != nil {
					faults++
					r.logger.Warn("Failed to close "+kind,
						"session_id", ch.key.SessionID(),
						"code", types.ErrCodeTeardownFault,
						"error", err)
				}
			}
			ch.mu.Unlock()
		}
	}

	closeEach("sender", func(ch *channel) func(context.Context) error {
		if ch.sender == nil {
			return nil
		}
		s := ch.sender
		ch.sender = nil
		return s.Close
	})
	closeEach("receiver", func(ch *channel) func(context.Context) error {
		if ch.receiver == nil {
			return nil
		}
		rc := ch.receiver
		ch.receiver = nil
		return rc.Close
	})
	closeEach("connection", func(ch *channel) func(context.Context) error {
		if ch.conn == nil {
			return nil
		}
		c := ch.conn
		ch.conn = nil
		return c.Close
	})

	r.mu.Lock()
	r.channels = make(map[types.ChannelKey]*channel)
	r.mu.Unlock()

	r.logger.Debug("Registry closed", "channels", len(channels), "faults", faults)
	return faults
}

// HasConn reports whether key has an open connection
func (r *Registry) HasConn(key types.ChannelKey) bool {
	return r.has(key, func(ch *channel) bool { return ch.conn != nil })
}

// HasSender reports whether key has an open sender
func (r *Registry) HasSender(key types.ChannelKey) bool {
	return r.has(key, func(ch *channel) bool { return ch.sender != nil })
}

// HasReceiver reports whether key has an open receiver
func (r *Registry) HasReceiver(key types.ChannelKey) bool {
	return r.has(key, func(ch *channel) bool { return ch.receiver != nil })
}

func (r *Registry) has(key types.ChannelKey, pred func(*channel) bool) bool {
	r.mu.Lock()
	ch, ok := r.channels[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return pred(ch)
}

// Keys returns the keys of every channel with an open connection, ordered
func (r *Registry) Keys() []types.ChannelKey {
	var keys []types.ChannelKey
	for _, ch := range r.snapshot() {
		ch.mu.Lock()
		if ch.conn != nil {
			keys = append(keys, ch.key)
		}
		ch.mu.Unlock()
	}
	return keys
}
