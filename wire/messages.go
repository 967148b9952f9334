package wire

// Payload is an opaque, CBOR-encoded user value. On the binary wire it is
// carried as a raw byte range; on the text wire it is embedded as a JSON
// value and converted to/from CBOR at the edges (see EncodePayload/DecodePayload).
type Payload []byte

// Tag identifies the variant of a client<->server message. The numeric
// values are part of the binary wire format and must not be renumbered.
type Tag uint8

const (
	TagActionRequest       Tag = 1
	TagSubscriptionRequest Tag = 2
	TagInit                Tag = 3
	TagActionResponse      Tag = 4
	TagEvent               Tag = 5
	TagError               Tag = 6
)

// ActionRequest is sent client -> server to invoke a named action.
type ActionRequest struct {
	ID   uint64  `json:"id"`
	Name string  `json:"name"`
	Args Payload `json:"args"`
}

// SubscriptionRequest is sent client -> server to (un)subscribe from an event.
type SubscriptionRequest struct {
	EventName string `json:"eventName"`
	Subscribe bool   `json:"subscribe"`
}

// Init is the first frame sent server -> client after a connection is
// accepted. ConnectionID is scoped to this actor and this socket lifetime.
type Init struct {
	ActorID      string `json:"actorId"`
	ConnectionID string `json:"connectionId"`
}

// ActionResponse completes a previously sent ActionRequest by ID.
type ActionResponse struct {
	ID     uint64  `json:"id"`
	Output Payload `json:"output"`
}

// Event is a server -> client publish for a subscribed event name.
type Event struct {
	Name string  `json:"name"`
	Args Payload `json:"args"`
}

// Error is sent server -> client. ActionID is nil for connection-level
// errors and set for errors scoped to a single in-flight action.
type Error struct {
	Group     string  `json:"group"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Metadata  Payload `json:"metadata,omitempty"`
	ActionID  *uint64 `json:"actionId,omitempty"`
}

// ClientMessage is the tagged envelope for client -> server traffic.
// Exactly one of ActionRequest or SubscriptionRequest is non-nil.
type ClientMessage struct {
	Tag                 Tag
	ActionRequest       *ActionRequest
	SubscriptionRequest *SubscriptionRequest
}

// ServerMessage is the tagged envelope for server -> client traffic.
// Exactly one field is non-nil, selected by Tag.
type ServerMessage struct {
	Tag            Tag
	Init           *Init
	ActionResponse *ActionResponse
	Event          *Event
	Error          *Error
}
