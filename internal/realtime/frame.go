package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/tiwi"
)

// JSON-RPC methods spoken on the realtime channel.
const (
	MethodAuth       = "srvWebSocketAuth"
	MethodAuthorized = "authorizedWebSocket"
	MethodSubscribe  = "wskSubscribe"
	MethodNotify     = "wskAttributeUpdateNtfy"
	MethodCommand    = "gdoModuleCommand"

	jsonRPCVersion = "2.0"
	redacted       = "****"
)

// Request is an outbound JSON-RPC frame.
type Request struct {
	ID     string
	Method string
	Params map[string]any
}

type wireRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

func (r Request) Encode() ([]byte, error) {
	return json.Marshal(wireRequest{JSONRPC: jsonRPCVersion, ID: r.ID, Method: r.Method, Params: r.Params})
}

// LogParams returns params safe for logging.
func (r Request) LogParams() map[string]any {
	out := make(map[string]any, len(r.Params))
	for k, v := range r.Params {
		if strings.EqualFold(k, "apiKey") {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}

func AuthRequest(id, account, apiKey string) Request {
	return Request{ID: id, Method: MethodAuth, Params: map[string]any{"varName": account, "apiKey": apiKey}}
}

func SubscribeRequest(id, deviceID string) Request {
	return Request{ID: id, Method: MethodSubscribe, Params: map[string]any{"topic": Topic(deviceID)}}
}

// Topic is the notification topic of a device.
func Topic(deviceID string) string {
	return deviceID + "." + MethodNotify
}

// CommandRequest composes a module command. action must be concrete (not a toggle).
func CommandRequest(id, deviceID string, action model.Action, port int) (Request, error) {
	key, value, ok := tiwi.CommandMessage(action)
	if !ok {
		return Request{}, fmt.Errorf("action %s has no command encoding", action)
	}
	module := tiwi.ModuleFor(action.Attribute())
	moduleType, _ := tiwi.ModuleType(module)
	return Request{
		ID:     id,
		Method: MethodCommand,
		Params: map[string]any{
			"msgType":    tiwi.CommandMessageType,
			"moduleType": moduleType,
			"portId":     port,
			"moduleMsg":  map[string]any{key: value},
			"topic":      deviceID,
		},
	}, nil
}

type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameAuthResult
	FrameNotification
	FrameResponse
)

func (k FrameKind) String() string {
	switch k {
	case FrameAuthResult:
		return "auth_result"
	case FrameNotification:
		return "notification"
	case FrameResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Frame is a decoded inbound message. Exactly one payload matches Kind.
type Frame struct {
	Kind         FrameKind
	ID           string
	Method       string
	Authorized   bool
	Notification Notification
	Response     Response
}

// Notification carries attribute updates pushed for one device.
type Notification struct {
	DeviceID string
	Updates  []AttributeUpdate
}

// AttributeUpdate is one tracked attribute in a notification or ack.
// HasTimestamp is false when the server sent no lastSet.
type AttributeUpdate struct {
	Attribute    model.Attribute
	Value        string
	At           time.Time
	HasTimestamp bool
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response answers a request by id.
type Response struct {
	ID     string
	Result json.RawMessage
	Error  *RPCError
}

// OK reports success, accepting both {"result":"OK"} and nested result objects.
func (r Response) OK() bool {
	if r.Error != nil {
		return false
	}
	var nested struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(r.Result, &nested); err == nil && nested.Result != "" {
		return strings.EqualFold(nested.Result, "ok")
	}
	var flat string
	if err := json.Unmarshal(r.Result, &flat); err == nil && flat != "" {
		return strings.EqualFold(flat, "ok")
	}
	return true
}

// Updates extracts attribute values a response reports, if any.
func (r Response) Updates() []AttributeUpdate {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Result, &fields); err != nil {
		return nil
	}
	return parseUpdates(fields)
}

type wireFrame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

var errEmptyFrame = errors.New("empty frame")

// DecodeFrame turns raw bytes into a Frame. Unrecognised but well-formed
// frames decode to FrameUnknown without error.
func DecodeFrame(data []byte) (Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Frame{}, errEmptyFrame
	}
	var wire wireFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame := Frame{ID: rawID(wire.ID), Method: wire.Method}

	switch {
	case wire.Method == MethodAuthorized:
		frame.Kind = FrameAuthResult
		frame.Authorized = authorizedFlag(wire.Params)
	case wire.Method == MethodNotify:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(wire.Params, &fields); err != nil {
			return Frame{}, fmt.Errorf("decode notification: %w", err)
		}
		frame.Kind = FrameNotification
		frame.Notification = Notification{DeviceID: notificationDevice(fields), Updates: parseUpdates(fields)}
	case wire.Method == "" && frame.ID != "" && (len(wire.Result) > 0 || wire.Error != nil):
		if hasAuthorizedField(wire.Result) {
			frame.Kind = FrameAuthResult
			frame.Authorized = authorizedFlag(wire.Result)
			break
		}
		frame.Kind = FrameResponse
		frame.Response = Response{ID: frame.ID, Result: wire.Result, Error: wire.Error}
	default:
		frame.Kind = FrameUnknown
	}
	return frame, nil
}

func rawID(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

func hasAuthorizedField(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	_, ok := fields["authorized"]
	return ok
}

func authorizedFlag(raw json.RawMessage) bool {
	var payload struct {
		Authorized bool `json:"authorized"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	return payload.Authorized
}

func notificationDevice(fields map[string]json.RawMessage) string {
	var varName string
	if raw, ok := fields["varName"]; ok {
		_ = json.Unmarshal(raw, &varName)
	}
	if varName != "" {
		return varName
	}
	var topic string
	if raw, ok := fields["topic"]; ok {
		_ = json.Unmarshal(raw, &topic)
	}
	if idx := strings.Index(topic, "."); idx > 0 {
		return topic[:idx]
	}
	return topic
}

// parseUpdates reads "<module>_<port>.<field>" keys.
func parseUpdates(fields map[string]json.RawMessage) []AttributeUpdate {
	var updates []AttributeUpdate
	for key, raw := range fields {
		dot := strings.Index(key, ".")
		if dot <= 0 {
			continue
		}
		module, _, _ := tiwi.SplitModuleKey(key[:dot])
		attr, ok := tiwi.AttributeFor(module, key[dot+1:])
		if !ok {
			continue
		}
		var value tiwi.AttributeValue
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		decoded, ok := value.Decode(attr)
		if !ok {
			continue
		}
		at, hasTS := value.Timestamp()
		updates = append(updates, AttributeUpdate{Attribute: attr, Value: decoded, At: at, HasTimestamp: hasTS})
	}
	return updates
}
