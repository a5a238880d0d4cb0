// Package bus defines the session-oriented publish/subscribe message bus the
// communicator relays its traffic through.
//
// The bus is a topic with a single shared, session-enabled subscription.
// Every directed channel between two ranks maps to one bus session, and a
// session can be held by at most one receiver at a time. Losing that hold
// is reported as ErrSessionLockLost and is recoverable: the caller drops
// its connection and accepts the session again.
//
// Two backends implement the interfaces:
//
//   - servicebus: Azure Service Bus, authenticated with managed identity or
//     a connection string
//   - membus: an in-process bus for local simulation and tests
//
// Example usage:
//
//	conn, err := dialer.Dial(ctx, "0=>1:*")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close(ctx)
//
//	sender, err := conn.NewSender(ctx)
//	if err != nil {
//	    return err
//	}
//	err = sender.Send(ctx, &bus.Message{Body: []byte(`"hello"`)})
package bus
