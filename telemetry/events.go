package telemetry

// Event is one MQTT connection lifecycle event. The set of events is closed;
// handlers switch on the concrete type.
type Event interface {
	event()
}

// Connected is emitted once the broker has accepted the session.
type Connected struct {
	ClientID string
}

// Disconnected is emitted when the session ends, cleanly or not.
type Disconnected struct {
	Err error // nil for a requested close
}

// Subscribed is emitted when the broker acknowledged a subscription.
type Subscribed struct {
	PacketID uint16
	Topics   []string
}

// Unsubscribed is emitted when the broker acknowledged an unsubscribe.
type Unsubscribed struct {
	PacketID uint16
	Topics   []string
}

// Published is emitted after a message was handed to the transport.
type Published struct {
	PacketID uint16
	Topic    string
	Size     int
}

// DataReceived carries a message delivered on a subscribed topic.
type DataReceived struct {
	Topic   string
	Payload []byte
}

// Error reports a failed client operation that did not end the session.
type Error struct {
	Op  string
	Err error
}

func (Connected) event()    {}
func (Disconnected) event() {}
func (Subscribed) event()   {}
func (Unsubscribed) event() {}
func (Published) event()    {}
func (DataReceived) event() {}
func (Error) event()        {}

// Handler receives client events. HandleEvent is never called with the
// client's lock held, so handlers may call back into the client.
type Handler interface {
	HandleEvent(e Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// EventName returns a short name for logging.
func EventName(e Event) string {
	switch e.(type) {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Subscribed:
		return "subscribed"
	case Unsubscribed:
		return "unsubscribed"
	case Published:
		return "published"
	case DataReceived:
		return "data"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}
