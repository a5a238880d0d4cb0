package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionLockLost reports that the receiver no longer holds its
	// session. Backends wrap their native lock-lost fault with it.
	ErrSessionLockLost = errors.New("bus: session lock lost")
	// ErrSessionLocked reports that another receiver already holds the session
	ErrSessionLocked = errors.New("bus: session is locked by another receiver")
	// ErrClosed reports use of a closed connection, sender or receiver
	ErrClosed = errors.New("bus: closed")
)

// IsSessionLockLost reports whether err is, or wraps, ErrSessionLockLost
func IsSessionLockLost(err error) bool {
	return errors.Is(err, ErrSessionLockLost)
}

// ContentTypeJSON marks message bodies as JSON
const ContentTypeJSON = "application/json"

// Message is an outgoing message. SessionID is filled in by the sender when
// left empty.
type Message struct {
	SessionID   string
	ContentType string
	Body        []byte
}

// ReceivedMessage is a message delivered under a peek-lock. It must be
// completed to be removed from the bus, or abandoned to be redelivered.
type ReceivedMessage struct {
	SessionID     string
	Body          []byte
	DeliveryCount uint32
	EnqueuedAt    time.Time

	// Native is the backend's own message handle, used to settle it
	Native any
}

// SubscriptionProperties are applied when the shared subscription is created
type SubscriptionProperties struct {
	RequiresSession  bool
	MessageTTL       time.Duration
	MaxDeliveryCount int32
	AutoDeleteOnIdle time.Duration
}

// String implements fmt.Stringer
func (p SubscriptionProperties) String() string {
	return fmt.Sprintf("SubscriptionProperties{RequiresSession: %t, MessageTTL: %s, MaxDeliveryCount: %d, AutoDeleteOnIdle: %s}",
		p.RequiresSession, p.MessageTTL, p.MaxDeliveryCount, p.AutoDeleteOnIdle)
}

// Dialer opens connections scoped to a single session id
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// Conn is a connection bound to one session of the shared topic and subscription
type Conn interface {
	// SessionID returns the session the connection is scoped to
	SessionID() string
	// NewSender opens a sender publishing into the session
	NewSender(ctx context.Context) (Sender, error)
	// AcceptSession locks the session for exclusive receiving
	AcceptSession(ctx context.Context) (Receiver, error)
	// Close releases the connection. Senders and receivers opened from it
	// stop working.
	Close(ctx context.Context) error
}

// Sender publishes messages into a session
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// Receiver consumes messages from a locked session
type Receiver interface {
	// Receive waits up to wait for at least one message and returns at most
	// maxMessages. An empty result with a nil error means nothing arrived.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*ReceivedMessage, error)
	// Complete acknowledges and removes a message
	Complete(ctx context.Context, msg *ReceivedMessage) error
	// Abandon releases a message for redelivery
	Abandon(ctx context.Context, msg *ReceivedMessage) error
	Close(ctx context.Context) error
}

// Admin manages the shared subscription
type Admin interface {
	// SubscriptionExists reports whether the shared subscription is present on the topic
	SubscriptionExists(ctx context.Context) (bool, error)
	// CreateSubscription creates the shared subscription
	CreateSubscription(ctx context.Context, props SubscriptionProperties) error
}

// Client is a backend bound to one topic and subscription
type Client interface {
	Dialer
	Admin
	// Close releases backend-wide resources such as management clients
	Close(ctx context.Context) error
}
