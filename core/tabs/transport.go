package tabs

import (
	"context"
	"errors"
	"sync"

	"github.com/adalundhe/flowsync/core/events"
)

// ErrTransportClosed is returned by Send after the transport is closed.
var ErrTransportClosed = errors.New("tabs: transport closed")

// Transport carries protocol envelopes between tabs. Delivery is best effort
// and at most once; senders also receive their own frames on some transports,
// so the coordinator filters by tab id.
type Transport interface {
	// Send broadcasts one envelope to all peers.
	Send(ctx context.Context, env Envelope) error

	// Receive registers the handler for incoming envelopes. A transport has
	// a single consumer; calling Receive again replaces the handler.
	Receive(handler func(Envelope))

	// Close stops delivery. Close does not shut down shared infrastructure
	// such as a shared bus or hub.
	Close() error
}

// =============================================================================
// LoopbackTransport
// =============================================================================

// LoopbackTransport broadcasts envelopes over an events.Bus, which gives
// single-process deployments (and tests) the cross-tab protocol without a
// hub. All transports sharing one bus see each other's frames, the sender's
// own included.
//
// The bus must be created with NoDebounce, otherwise heartbeat frames inside
// the debounce window are swallowed.
type LoopbackTransport struct {
	bus *events.Bus
	id  string

	mu      sync.Mutex
	handler func(Envelope)
	closed  bool
}

// envelope frames ride in Event.Data under this key as plain structs; the
// loopback never crosses a process boundary so no JSON round trip is needed.
const envelopeDataKey = "envelope"

// NewLoopbackTransport creates a transport on the shared bus. The id must be
// unique per transport; the owning tab's session id is the natural choice.
func NewLoopbackTransport(bus *events.Bus, id string) *LoopbackTransport {
	t := &LoopbackTransport{bus: bus, id: id}
	bus.Subscribe(t)
	return t
}

// Send publishes the envelope to every transport on the bus.
func (t *LoopbackTransport) Send(_ context.Context, env Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	event := events.NewEvent(events.EventTabEnvelope, env.ProjectID)
	event.TabID = env.TabID
	event.EntityID = env.EntityID
	event.Data[envelopeDataKey] = env

	t.bus.Publish(event)
	return nil
}

// Receive registers the envelope handler.
func (t *LoopbackTransport) Receive(handler func(Envelope)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Close detaches the transport from the bus. The bus itself stays open.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	t.mu.Unlock()

	t.bus.Unsubscribe(t.id)
	return nil
}

// ID implements events.Subscriber.
func (t *LoopbackTransport) ID() string {
	return t.id
}

// EventTypes implements events.Subscriber.
func (t *LoopbackTransport) EventTypes() []events.EventType {
	return []events.EventType{events.EventTabEnvelope}
}

// OnEvent implements events.Subscriber, unwrapping the envelope and handing
// it to the registered handler.
func (t *LoopbackTransport) OnEvent(event *events.Event) error {
	env, ok := event.Data[envelopeDataKey].(Envelope)
	if !ok {
		return nil
	}

	t.mu.Lock()
	handler := t.handler
	closed := t.closed
	t.mu.Unlock()

	if closed || handler == nil {
		return nil
	}
	handler(env)
	return nil
}
