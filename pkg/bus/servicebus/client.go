// Package servicebus implements the bus interfaces on Azure Service Bus.
//
// Every session gets its own AMQP client, so a session whose lock is lost
// can be torn down and reopened without disturbing the others. Messages go
// to a single topic; receivers lock one session of a single session-enabled
// subscription.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// Client is a Service Bus backend bound to one topic and subscription
type Client struct {
	creds        *Credentials
	topic        string
	subscription string
	admin        *admin.Client
	logger       *logger.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

var _ bus.Client = (*Client)(nil)

// New resolves credentials from the bus configuration and creates a client
func New(ctx context.Context, cfg config.BusConfig, log *logger.Logger, opts ...AuthOption) (*Client, error) {
	creds, err := ResolveCredentials(ctx, cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(creds, cfg.Topic, cfg.Subscription, log)
}

// NewClient creates a client from resolved credentials
func NewClient(creds *Credentials, topic, subscription string, log *logger.Logger) (*Client, error) {
	if creds == nil {
		return nil, types.NewError(types.ErrCodeConfiguration, "credentials are required")
	}
	if topic == "" || subscription == "" {
		return nil, types.NewError(types.ErrCodeConfiguration, "topic and subscription must be specified")
	}

	var adminClient *admin.Client
	var err error
	if creds.ConnectionString != "" {
		adminClient, err = admin.NewClientFromConnectionString(creds.ConnectionString, nil)
	} else {
		adminClient, err = admin.NewClient(creds.Namespace, creds.Token, nil)
	}
	if err != nil {
		return nil, types.WrapError(types.ErrCodeConfiguration, "failed to create service bus admin client", err)
	}

	return &Client{
		creds:        creds,
		topic:        topic,
		subscription: subscription,
		admin:        adminClient,
		logger:       logger.OrDefault(log, "servicebus").With("topic", topic, "subscription", subscription),
		conns:        make(map[*conn]struct{}),
	}, nil
}

func (c *Client) newSBClient() (*azservicebus.Client, error) {
	if c.creds.ConnectionString != "" {
		return azservicebus.NewClientFromConnectionString(c.creds.ConnectionString, nil)
	}
	return azservicebus.NewClient(c.creds.Namespace, c.creds.Token, nil)
}

// SubscriptionExists implements bus.Admin by listing the topic's subscriptions
func (c *Client) SubscriptionExists(ctx context.Context) (bool, error) {
	pager := c.admin.NewListSubscriptionsPager(c.topic, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, mapError("list subscriptions on "+c.topic, err)
		}
		for _, s := range page.Subscriptions {
			if s.SubscriptionName == c.subscription {
				return true, nil
			}
		}
	}
	return false, nil
}

// CreateSubscription implements bus.Admin
func (c *Client) CreateSubscription(ctx context.Context, props bus.SubscriptionProperties) error {
	_, err := c.admin.CreateSubscription(ctx, c.topic, c.subscription, &admin.CreateSubscriptionOptions{
		Properties: subscriptionProperties(props),
	})
	if err != nil {
		return mapError("create subscription "+c.subscription, err)
	}
	c.logger.Info("Subscription created", "properties", props.String())
	return nil
}

func subscriptionProperties(props bus.SubscriptionProperties) *admin.SubscriptionProperties {
	p := &admin.SubscriptionProperties{
		RequiresSession: to.Ptr(props.RequiresSession),
	}
	if props.MessageTTL > 0 {
		p.DefaultMessageTimeToLive = to.Ptr(isoDuration(props.MessageTTL))
	}
	if props.MaxDeliveryCount > 0 {
		p.MaxDeliveryCount = to.Ptr(props.MaxDeliveryCount)
	}
	if props.AutoDeleteOnIdle > 0 {
		p.AutoDeleteOnIdle = to.Ptr(isoDuration(props.AutoDeleteOnIdle))
	}
	return p
}

// isoDuration renders d as an ISO 8601 duration in whole seconds
func isoDuration(d time.Duration) string {
	return fmt.Sprintf("PT%dS", int64(d/time.Second))
}

// Dial implements bus.Dialer
func (c *Client) Dial(ctx context.Context, sessionID string) (bus.Conn, error) {
	if sessionID == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "session id cannot be empty")
	}
	sb, err := c.newSBClient()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeConfiguration, "failed to create service bus client", err)
	}
	cn := &conn{client: c, sb: sb, sessionID: sessionID}

	c.mu.Lock()
	c.conns[cn] = struct{}{}
	c.mu.Unlock()
	return cn, nil
}

// Close closes every connection still open
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conns := make([]*conn, 0, len(c.conns))
	for cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	var errs []error
	for _, cn := range conns {
		if err := cn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type conn struct {
	client    *Client
	sb        *azservicebus.Client
	sessionID string
}

func (cn *conn) SessionID() string {
	return cn.sessionID
}

func (cn *conn) NewSender(ctx context.Context) (bus.Sender, error) {
	s, err := cn.sb.NewSender(cn.client.topic, nil)
	if err != nil {
		return nil, mapError("open sender "+cn.sessionID, err)
	}
	return &sender{sender: s, sessionID: cn.sessionID}, nil
}

func (cn *conn) AcceptSession(ctx context.Context) (bus.Receiver, error) {
	r, err := cn.sb.AcceptSessionForSubscription(ctx, cn.client.topic, cn.client.subscription, cn.sessionID, nil)
	if err != nil {
		return nil, mapError("accept session "+cn.sessionID, err)
	}
	return &receiver{receiver: r, sessionID: cn.sessionID}, nil
}

func (cn *conn) Close(ctx context.Context) error {
	cn.client.mu.Lock()
	delete(cn.client.conns, cn)
	cn.client.mu.Unlock()

	if err := cn.sb.Close(ctx); err != nil {
		return mapError("close connection "+cn.sessionID, err)
	}
	return nil
}

type sender struct {
	sender    *azservicebus.Sender
	sessionID string
}

func (s *sender) Send(ctx context.Context, msg *bus.Message) error {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}
	out := &azservicebus.Message{
		Body:      msg.Body,
		SessionID: to.Ptr(sessionID),
	}
	if msg.ContentType != "" {
		out.ContentType = to.Ptr(msg.ContentType)
	}
	if err := s.sender.SendMessage(ctx, out, nil); err != nil {
		return mapError("send to "+sessionID, err)
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	if err := s.sender.Close(ctx); err != nil {
		return mapError("close sender "+s.sessionID, err)
	}
	return nil
}

type receiver struct {
	receiver  *azservicebus.SessionReceiver
	sessionID string
}

func (r *receiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*bus.ReceivedMessage, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := r.receiver.ReceiveMessages(waitCtx, maxMessages, nil)
	if err != nil {
		// the wait elapsing is an empty poll, not a fault
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return convertMessages(r.sessionID, msgs), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapError("receive from "+r.sessionID, err)
	}
	return convertMessages(r.sessionID, msgs), nil
}

func convertMessages(sessionID string, msgs []*azservicebus.ReceivedMessage) []*bus.ReceivedMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*bus.ReceivedMessage, 0, len(msgs))
	for _, m := range msgs {
		rm := &bus.ReceivedMessage{
			SessionID:     sessionID,
			Body:          m.Body,
			DeliveryCount: m.DeliveryCount,
			Native:        m,
		}
		if m.SessionID != nil {
			rm.SessionID = *m.SessionID
		}
		if m.EnqueuedTime != nil {
			rm.EnqueuedAt = *m.EnqueuedTime
		}
		out = append(out, rm)
	}
	return out
}

func native(msg *bus.ReceivedMessage) (*azservicebus.ReceivedMessage, error) {
	m, ok := msg.Native.(*azservicebus.ReceivedMessage)
	if !ok {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "message was not received from service bus")
	}
	return m, nil
}

func (r *receiver) Complete(ctx context.Context, msg *bus.ReceivedMessage) error {
	m, err := native(msg)
	if err != nil {
		return err
	}
	if err := r.receiver.CompleteMessage(ctx, m, nil); err != nil {
		return mapError("complete message on "+r.sessionID, err)
	}
	return nil
}

func (r *receiver) Abandon(ctx context.Context, msg *bus.ReceivedMessage) error {
	m, err := native(msg)
	if err != nil {
		return err
	}
	if err := r.receiver.AbandonMessage(ctx, m, nil); err != nil {
		return mapError("abandon message on "+r.sessionID, err)
	}
	return nil
}

func (r *receiver) Close(ctx context.Context) error {
	if err := r.receiver.Close(ctx); err != nil {
		return mapError("close receiver "+r.sessionID, err)
	}
	return nil
}
