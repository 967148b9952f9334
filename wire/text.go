package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// textEnvelope is the on-the-wire JSON shape. Payload fields are carried as
// native JSON values (object/array/scalar) rather than base64 blobs, per the
// "raw values in the text wire" rule — internally Payload is always CBOR
// bytes, so serializeText/deserializeText convert at the boundary.
type textEnvelope struct {
	V    uint8           `json:"v"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type textActionRequest struct {
	ID   uint64          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type textSubscriptionRequest struct {
	EventName string `json:"eventName"`
	Subscribe bool   `json:"subscribe"`
}

type textInit struct {
	ActorID      string `json:"actorId"`
	ConnectionID string `json:"connectionId"`
}

type textActionResponse struct {
	ID     uint64          `json:"id"`
	Output json.RawMessage `json:"output"`
}

type textEvent struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type textError struct {
	Group    string          `json:"group"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	ActionID *uint64         `json:"actionId,omitempty"`
}

var tagNames = map[Tag]string{
	TagActionRequest:       "action_request",
	TagSubscriptionRequest: "subscription_request",
	TagInit:                "init",
	TagActionResponse:      "action_response",
	TagEvent:               "event",
	TagError:               "error",
}

var tagFromName = func() map[string]Tag {
	m := make(map[string]Tag, len(tagNames))
	for t, n := range tagNames {
		m[n] = t
	}
	return m
}()

// payloadToJSON converts internal CBOR-encoded Payload to a raw JSON value.
// An empty payload becomes JSON null.
func payloadToJSON(p Payload) (json.RawMessage, error) {
	if len(p) == 0 {
		return json.RawMessage("null"), nil
	}
	var v any
	if err := cbor.Unmarshal(p, &v); err != nil {
		return nil, fmt.Errorf("wire: payload cbor->json: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: payload json marshal: %w", err)
	}
	return b, nil
}

// payloadFromJSON converts a raw JSON value into an internal CBOR-encoded
// Payload.
func payloadFromJSON(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("wire: payload json unmarshal: %w", err)
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: payload json->cbor: %w", err)
	}
	return Payload(b), nil
}

// SerializeTextClient encodes a ClientMessage into its JSON wire form.
func SerializeTextClient(m ClientMessage) ([]byte, error) {
	switch m.Tag {
	case TagActionRequest:
		args, err := payloadToJSON(m.ActionRequest.Args)
		if err != nil {
			return nil, err
		}
		return marshalTextEnvelope(m.Tag, textActionRequest{
			ID: m.ActionRequest.ID, Name: m.ActionRequest.Name, Args: args,
		})
	case TagSubscriptionRequest:
		return marshalTextEnvelope(m.Tag, textSubscriptionRequest{
			EventName: m.SubscriptionRequest.EventName,
			Subscribe: m.SubscriptionRequest.Subscribe,
		})
	default:
		return nil, fmt.Errorf("wire: serializeText: unexpected client tag %d", m.Tag)
	}
}

// DeserializeTextClient decodes a JSON wire message into a ClientMessage.
func DeserializeTextClient(data []byte) (ClientMessage, error) {
	var env textEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("wire: deserializeText: invalid envelope: %w", err)
	}
	if err := checkVersion(env.V); err != nil {
		return ClientMessage{}, err
	}
	tag, ok := tagFromName[env.Type]
	if !ok {
		return ClientMessage{}, fmt.Errorf("wire: deserializeText: unknown message type %q", env.Type)
	}
	switch tag {
	case TagActionRequest:
		var b textActionRequest
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return ClientMessage{}, err
		}
		args, err := payloadFromJSON(b.Args)
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Tag: tag, ActionRequest: &ActionRequest{ID: b.ID, Name: b.Name, Args: args}}, nil
	case TagSubscriptionRequest:
		var b textSubscriptionRequest
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Tag: tag, SubscriptionRequest: &SubscriptionRequest{EventName: b.EventName, Subscribe: b.Subscribe}}, nil
	default:
		return ClientMessage{}, fmt.Errorf("wire: deserializeText: unexpected client tag %d", tag)
	}
}

// SerializeTextServer encodes a ServerMessage into its JSON wire form.
func SerializeTextServer(m ServerMessage) ([]byte, error) {
	switch m.Tag {
	case TagInit:
		return marshalTextEnvelope(m.Tag, textInit{ActorID: m.Init.ActorID, ConnectionID: m.Init.ConnectionID})
	case TagActionResponse:
		out, err := payloadToJSON(m.ActionResponse.Output)
		if err != nil {
			return nil, err
		}
		return marshalTextEnvelope(m.Tag, textActionResponse{ID: m.ActionResponse.ID, Output: out})
	case TagEvent:
		args, err := payloadToJSON(m.Event.Args)
		if err != nil {
			return nil, err
		}
		return marshalTextEnvelope(m.Tag, textEvent{Name: m.Event.Name, Args: args})
	case TagError:
		meta, err := payloadToJSON(m.Error.Metadata)
		if err != nil {
			return nil, err
		}
		return marshalTextEnvelope(m.Tag, textError{
			Group: m.Error.Group, Code: m.Error.Code, Message: m.Error.Message,
			Metadata: meta, ActionID: m.Error.ActionID,
		})
	default:
		return nil, fmt.Errorf("wire: serializeText: unexpected server tag %d", m.Tag)
	}
}

// DeserializeTextServer decodes a JSON wire message into a ServerMessage.
func DeserializeTextServer(data []byte) (ServerMessage, error) {
	var env textEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerMessage{}, fmt.Errorf("wire: deserializeText: invalid envelope: %w", err)
	}
	if err := checkVersion(env.V); err != nil {
		return ServerMessage{}, err
	}
	tag, ok := tagFromName[env.Type]
	if !ok {
		return ServerMessage{}, fmt.Errorf("wire: deserializeText: unknown message type %q", env.Type)
	}
	switch tag {
	case TagInit:
		var b textInit
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Tag: tag, Init: &Init{ActorID: b.ActorID, ConnectionID: b.ConnectionID}}, nil
	case TagActionResponse:
		var b textActionResponse
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return ServerMessage{}, err
		}
		out, err := payloadFromJSON(b.Output)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Tag: tag, ActionResponse: &ActionResponse{ID: b.ID, Output: out}}, nil
	case TagEvent:
		var b textEvent
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return ServerMessage{}, err
		}
		args, err := payloadFromJSON(b.Args)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Tag: tag, Event: &Event{Name: b.Name, Args: args}}, nil
	case TagError:
		var b textError
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return ServerMessage{}, err
		}
		meta, err := payloadFromJSON(b.Metadata)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Tag: tag, Error: &Error{
			Group: b.Group, Code: b.Code, Message: b.Message, Metadata: meta, ActionID: b.ActionID,
		}}, nil
	default:
		return ServerMessage{}, fmt.Errorf("wire: deserializeText: unexpected server tag %d", tag)
	}
}

func marshalTextEnvelope(tag Tag, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: serializeText: %w", err)
	}
	return json.Marshal(textEnvelope{V: Version, Type: tagNames[tag], Body: b})
}
