// Package membus implements the bus interfaces in process memory.
//
// A Broker holds topics, their subscriptions and the per-session queues. It
// follows the peek-lock model of a session-enabled subscription: a session
// is held by one receiver at a time, received messages stay locked until
// completed or abandoned, abandoned messages are redelivered until their
// delivery count reaches the subscription's maximum, and messages older than
// the subscription's TTL are discarded. Several ranks share one Broker when a
// world is simulated inside a single process.
package membus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// Stats contains broker counters
type Stats struct {
	MessagesSent         int64
	MessagesDropped      int64
	MessagesDelivered    int64
	MessagesCompleted    int64
	MessagesAbandoned    int64
	MessagesExpired      int64
	MessagesDeadLettered int64
	SessionsAccepted     int64
	LocksLost            int64
	Dials                int64
}

// Broker is an in-memory session-aware topic broker
type Broker struct {
	mu       sync.Mutex
	topics   map[string]*topic
	logger   *logger.Logger
	now      func() time.Time
	closed   bool
	closeCh  chan struct{}
	stats    Stats
	lockSeq  uint64
	entrySeq uint64
}

type topic struct {
	subscriptions map[string]*subscription
}

type subscription struct {
	props      bus.SubscriptionProperties
	sessions   map[string]*session
	lastActive time.Time
}

type session struct {
	queue    []*entry
	inflight map[uint64]*entry
	holder   uint64
	faults   []error
	wake     chan struct{}
}

type entry struct {
	seq           uint64
	body          []byte
	contentType   string
	enqueuedAt    time.Time
	deliveryCount uint32
}

// Option configures a Broker
type Option func(*Broker)

// WithClock replaces the wall clock used for TTL and idle accounting
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// NewBroker creates an empty broker
func NewBroker(log *logger.Logger, opts ...Option) *Broker {
	b := &Broker{
		topics:  make(map[string]*topic),
		logger:  logger.OrDefault(log, "membus"),
		now:     time.Now,
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Client returns a bus client bound to a topic and subscription
func (b *Broker) Client(topicName, subscriptionName string) *Client {
	return &Client{broker: b, topic: topicName, subscription: subscriptionName}
}

// Close shuts the broker down and wakes every waiting receiver
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
	b.logger.Debug("Broker closed")
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Pending returns how many messages of a session are not yet completed,
// including locked in-flight ones
func (b *Broker) Pending(topicName, subscriptionName, sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.lookup(topicName, subscriptionName)
	if sub == nil {
		return 0
	}
	s, ok := sub.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(s.queue) + len(s.inflight)
}

// ExpireSessionLock drops the current lock on a session, as the bus does
// when a lock times out. The holder's next operation fails with
// bus.ErrSessionLockLost and its in-flight messages become available again.
func (b *Broker) ExpireSessionLock(topicName, subscriptionName, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.lookup(topicName, subscriptionName)
	if sub == nil {
		return
	}
	if s, ok := sub.sessions[sessionID]; ok {
		b.releaseLocked(s, true)
	}
}

// InjectReceiveFault makes the next n receives on a session fail with err.
// Injecting bus.ErrSessionLockLost also drops the session lock.
func (b *Broker) InjectReceiveFault(topicName, subscriptionName, sessionID string, err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.lookup(topicName, subscriptionName)
	if sub == nil {
		return
	}
	s := sub.session(sessionID)
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, err)
	}
}

// lookup returns a live subscription, deleting it first if it has been
// idle for longer than its auto-delete window. Caller holds b.mu.
func (b *Broker) lookup(topicName, subscriptionName string) *subscription {
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	sub, ok := t.subscriptions[subscriptionName]
	if !ok {
		return nil
	}
	idle := sub.props.AutoDeleteOnIdle
	if idle > 0 && b.now().Sub(sub.lastActive) > idle {
		delete(t.subscriptions, subscriptionName)
		for _, s := range sub.sessions {
			s.signal()
		}
		b.logger.Info("Subscription auto-deleted on idle",
			"topic", topicName,
			"subscription", subscriptionName,
			"idle", idle.String())
		return nil
	}
	return sub
}

func (b *Broker) errClosed() error {
	return types.WrapError(types.ErrCodeUnavailable, "membus broker", bus.ErrClosed)
}

// releaseLocked unlocks a session and requeues its in-flight messages.
// Caller holds b.mu.
func (b *Broker) releaseLocked(s *session, lost bool) {
	if s.holder == 0 {
		return
	}
	s.holder = 0
	if lost {
		b.stats.LocksLost++
	}
	if len(s.inflight) == 0 {
		s.signal()
		return
	}
	for _, e := range s.inflight {
		s.requeue(e)
	}
	s.inflight = make(map[uint64]*entry)
	s.signal()
}

// requeue puts e back into the queue at its original position
func (s *session) requeue(e *entry) {
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].seq > e.seq })
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = e
}

func (sub *subscription) session(id string) *session {
	s, ok := sub.sessions[id]
	if !ok {
		s = &session{
			inflight: make(map[uint64]*entry),
			wake:     make(chan struct{}),
		}
		sub.sessions[id] = s
	}
	return s
}

// signal wakes every receiver waiting on the session
func (s *session) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Client binds the broker to one topic and subscription
type Client struct {
	broker       *Broker
	topic        string
	subscription string
}

var _ bus.Client = (*Client)(nil)

// SubscriptionExists implements bus.Admin
func (c *Client) SubscriptionExists(ctx context.Context) (bool, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, b.errClosed()
	}
	return b.lookup(c.topic, c.subscription) != nil, nil
}

// CreateSubscription implements bus.Admin
func (c *Client) CreateSubscription(ctx context.Context, props bus.SubscriptionProperties) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.errClosed()
	}
	if b.lookup(c.topic, c.subscription) != nil {
		return types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("subscription %s already exists on topic %s", c.subscription, c.topic))
	}
	t, ok := b.topics[c.topic]
	if !ok {
		t = &topic{subscriptions: make(map[string]*subscription)}
		b.topics[c.topic] = t
	}
	t.subscriptions[c.subscription] = &subscription{
		props:      props,
		sessions:   make(map[string]*session),
		lastActive: b.now(),
	}
	b.logger.Info("Subscription created",
		"topic", c.topic,
		"subscription", c.subscription,
		"properties", props.String())
	return nil
}

// Dial implements bus.Dialer
func (c *Client) Dial(ctx context.Context, sessionID string) (bus.Conn, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.errClosed()
	}
	if sessionID == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "session id cannot be empty")
	}
	b.stats.Dials++
	return &conn{client: c, sessionID: sessionID}, nil
}

// Close implements bus.Client. The broker itself stays open for other clients.
func (c *Client) Close(ctx context.Context) error {
	return nil
}

type conn struct {
	client    *Client
	sessionID string

	mu        sync.Mutex
	closed    bool
	senders   []*sender
	receivers []*receiver
}

func (c *conn) SessionID() string {
	return c.sessionID
}

func (c *conn) NewSender(ctx context.Context) (bus.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, types.WrapError(types.ErrCodeUnavailable, "connection "+c.sessionID, bus.ErrClosed)
	}
	s := &sender{conn: c}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *conn) AcceptSession(ctx context.Context) (bus.Receiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, types.WrapError(types.ErrCodeUnavailable, "connection "+c.sessionID, bus.ErrClosed)
	}

	b := c.client.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.errClosed()
	}
	sub := b.lookup(c.client.topic, c.client.subscription)
	if sub == nil {
		return nil, types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("subscription %s not found on topic %s", c.client.subscription, c.client.topic))
	}
	s := sub.session(c.sessionID)
	if s.holder != 0 {
		return nil, types.WrapError(types.ErrCodeUnavailable, "accept session "+c.sessionID, bus.ErrSessionLocked)
	}
	b.lockSeq++
	s.holder = b.lockSeq
	sub.lastActive = b.now()
	b.stats.SessionsAccepted++

	r := &receiver{conn: c, lockID: s.holder}
	c.receivers = append(c.receivers, r)
	return r, nil
}

func (c *conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	senders, receivers := c.senders, c.receivers
	c.senders, c.receivers = nil, nil
	c.mu.Unlock()

	for _, s := range senders {
		s.Close(ctx)
	}
	for _, r := range receivers {
		r.Close(ctx)
	}
	return nil
}

type sender struct {
	conn   *conn
	mu     sync.Mutex
	closed bool
}

func (s *sender) Send(ctx context.Context, msg *bus.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return types.WrapError(types.ErrCodeUnavailable, "sender "+s.conn.sessionID, bus.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = s.conn.sessionID
	}

	c := s.conn.client
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.errClosed()
	}

	b.stats.MessagesSent++
	t, ok := b.topics[c.topic]
	if !ok || len(t.subscriptions) == 0 {
		// a topic without subscriptions discards what it receives
		b.stats.MessagesDropped++
		return nil
	}

	now := b.now()
	for name := range t.subscriptions {
		sub := b.lookup(c.topic, name)
		if sub == nil {
			continue
		}
		b.entrySeq++
		body := make([]byte, len(msg.Body))
		copy(body, msg.Body)
		sess := sub.session(sessionID)
		sess.queue = append(sess.queue, &entry{
			seq:         b.entrySeq,
			body:        body,
			contentType: msg.ContentType,
			enqueuedAt:  now,
		})
		sub.lastActive = now
		sess.signal()
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type receiver struct {
	conn   *conn
	lockID uint64

	mu     sync.Mutex
	closed bool
}

// held returns the receiver's session if the receiver still owns its lock.
// Caller holds the broker mutex.
func (r *receiver) held() (*subscription, *session, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, nil, types.WrapError(types.ErrCodeUnavailable, "receiver "+r.conn.sessionID, bus.ErrClosed)
	}

	c := r.conn.client
	b := c.broker
	if b.closed {
		return nil, nil, b.errClosed()
	}
	sub := b.lookup(c.topic, c.subscription)
	if sub == nil {
		return nil, nil, types.WrapError(types.ErrCodeUnavailable,
			"subscription "+c.subscription+" is gone", bus.ErrSessionLockLost)
	}
	s, ok := sub.sessions[r.conn.sessionID]
	if !ok || s.holder != r.lockID {
		return nil, nil, types.WrapError(types.ErrCodeSessionLockLost,
			"session "+r.conn.sessionID, bus.ErrSessionLockLost)
	}
	return sub, s, nil
}

func (r *receiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*bus.ReceivedMessage, error) {
	if maxMessages <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "max messages must be positive")
	}
	b := r.conn.client.broker
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		sub, s, err := r.held()
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}

		if len(s.faults) > 0 {
			fault := s.faults[0]
			s.faults = s.faults[1:]
			if bus.IsSessionLockLost(fault) {
				b.releaseLocked(s, true)
			}
			b.mu.Unlock()
			return nil, fault
		}

		now := b.now()
		sub.lastActive = now
		b.dropExpired(sub, s, now)
		if len(s.queue) > 0 {
			n := maxMessages
			if n > len(s.queue) {
				n = len(s.queue)
			}
			batch := s.queue[:n]
			s.queue = s.queue[n:]
			out := make([]*bus.ReceivedMessage, 0, n)
			for _, e := range batch {
				e.deliveryCount++
				s.inflight[e.seq] = e
				out = append(out, &bus.ReceivedMessage{
					SessionID:     r.conn.sessionID,
					Body:          e.body,
					DeliveryCount: e.deliveryCount,
					EnqueuedAt:    e.enqueuedAt,
					Native:        e.seq,
				})
			}
			b.stats.MessagesDelivered += int64(n)
			b.mu.Unlock()
			return out, nil
		}

		wake := s.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-b.closeCh:
			return nil, b.errClosed()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dropExpired discards queued messages older than the subscription TTL.
// Caller holds b.mu.
func (b *Broker) dropExpired(sub *subscription, s *session, now time.Time) {
	ttl := sub.props.MessageTTL
	if ttl <= 0 {
		return
	}
	kept := s.queue[:0]
	for _, e := range s.queue {
		if now.Sub(e.enqueuedAt) > ttl {
			b.stats.MessagesExpired++
			continue
		}
		kept = append(kept, e)
	}
	s.queue = kept
}

func (r *receiver) settle(msg *bus.ReceivedMessage, complete bool) error {
	seq, ok := msg.Native.(uint64)
	if !ok {
		return types.NewError(types.ErrCodeInvalidArgument, "message was not received from membus")
	}

	b := r.conn.client.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, s, err := r.held()
	if err != nil {
		return err
	}
	e, ok := s.inflight[seq]
	if !ok {
		return types.WrapError(types.ErrCodeSessionLockLost,
			"message lock expired on "+r.conn.sessionID, bus.ErrSessionLockLost)
	}
	delete(s.inflight, seq)

	if complete {
		b.stats.MessagesCompleted++
		return nil
	}

	b.stats.MessagesAbandoned++
	if max := sub.props.MaxDeliveryCount; max > 0 && e.deliveryCount >= uint32(max) {
		b.stats.MessagesDeadLettered++
		b.logger.Warn("Message dead-lettered after max deliveries",
			"session_id", r.conn.sessionID,
			"delivery_count", e.deliveryCount)
		return nil
	}
	s.requeue(e)
	s.signal()
	return nil
}

func (r *receiver) Complete(ctx context.Context, msg *bus.ReceivedMessage) error {
	return r.settle(msg, true)
}

func (r *receiver) Abandon(ctx context.Context, msg *bus.ReceivedMessage) error {
	return r.settle(msg, false)
}

func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	c := r.conn.client
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[c.topic]
	if !ok {
		return nil
	}
	sub, ok := t.subscriptions[c.subscription]
	if !ok {
		return nil
	}
	if s, ok := sub.sessions[r.conn.sessionID]; ok && s.holder == r.lockID {
		b.releaseLocked(s, false)
	}
	return nil
}
