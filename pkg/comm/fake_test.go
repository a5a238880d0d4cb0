package comm

import (
	"context"
	"sync"
	"time"

	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
)

// receiveFunc scripts the nth (1-based) receive on a session
type receiveFunc func(sessionID string, call int) ([]*bus.ReceivedMessage, error)

// fakeClient is a scriptable bus.Client recording what the communicator does
type fakeClient struct {
	mu sync.Mutex

	exists    bool
	existsErr error
	createErr error
	created   []bus.SubscriptionProperties

	receive  receiveFunc
	sendErr  error
	closeErr error
	// failCompletes makes the first n completions on each session fail
	failCompletes int

	dials        map[string]int
	receiveCalls map[string]int
	completed    map[string]int
	abandoned    map[string]int
	sent         []*bus.Message
	closes       []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		exists:       true,
		dials:        make(map[string]int),
		receiveCalls: make(map[string]int),
		completed:    make(map[string]int),
		abandoned:    make(map[string]int),
	}
}

func (f *fakeClient) SubscriptionExists(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, f.existsErr
}

func (f *fakeClient) CreateSubscription(ctx context.Context, props bus.SubscriptionProperties) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, props)
	f.exists = true
	return nil
}

func (f *fakeClient) Dial(ctx context.Context, sessionID string) (bus.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[sessionID]++
	return &fakeConn{client: f, sessionID: sessionID}, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	return nil
}

func (f *fakeClient) totalDials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.dials {
		n += d
	}
	return n
}

func (f *fakeClient) recordClose(what string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, what)
	return f.closeErr
}

type fakeConn struct {
	client    *fakeClient
	sessionID string
}

func (c *fakeConn) SessionID() string { return c.sessionID }

func (c *fakeConn) NewSender(ctx context.Context) (bus.Sender, error) {
	return &fakeSender{conn: c}, nil
}

func (c *fakeConn) AcceptSession(ctx context.Context) (bus.Receiver, error) {
	return &fakeReceiver{conn: c}, nil
}

func (c *fakeConn) Close(ctx context.Context) error {
	return c.client.recordClose("conn:" + c.sessionID)
}

type fakeSender struct {
	conn *fakeConn
}

func (s *fakeSender) Send(ctx context.Context, msg *bus.Message) error {
	f := s.conn.client
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (s *fakeSender) Close(ctx context.Context) error {
	return s.conn.client.recordClose("sender:" + s.conn.sessionID)
}

type fakeReceiver struct {
	conn *fakeConn
}

func (r *fakeReceiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*bus.ReceivedMessage, error) {
	f := r.conn.client
	f.mu.Lock()
	f.receiveCalls[r.conn.sessionID]++
	call := f.receiveCalls[r.conn.sessionID]
	script := f.receive
	f.mu.Unlock()
	if script == nil {
		return nil, nil
	}
	return script(r.conn.sessionID, call)
}

func (r *fakeReceiver) Complete(ctx context.Context, msg *bus.ReceivedMessage) error {
	f := r.conn.client
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[r.conn.sessionID]++
	if f.completed[r.conn.sessionID] <= f.failCompletes {
		return errTransient
	}
	return nil
}

func (r *fakeReceiver) Abandon(ctx context.Context, msg *bus.ReceivedMessage) error {
	f := r.conn.client
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned[r.conn.sessionID]++
	return nil
}

func (r *fakeReceiver) Close(ctx context.Context) error {
	return r.conn.client.recordClose("receiver:" + r.conn.sessionID)
}

func message(body string) *bus.ReceivedMessage {
	return &bus.ReceivedMessage{Body: []byte(body), DeliveryCount: 1}
}
