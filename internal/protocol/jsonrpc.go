// Package protocol provides the minimal JSON-RPC plumbing the bridge needs:
// extracting the method and id from a message, rewriting a response id, and
// recognising the handful of message shapes the session layer intercepts.
// The bridge deliberately does not validate JSON-RPC semantics beyond this.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Methods the bridge recognises on the client->agent path.
const (
	MethodInitialize  = "initialize"
	MethodSessionNew  = "session/new"
	MethodSessionLoad = "session/load"
)

// Control methods consumed by the bridge itself and never forwarded to the
// agent. They carry push-notification device registrations.
const (
	MethodRegisterPushToken   = "bridge/registerPushToken"
	MethodUnregisterPushToken = "bridge/unregisterPushToken"
)

// Envelope holds the method and id of a JSON-RPC message plus the raw bytes
// for deferred handling. Everything else in the message is opaque.
type Envelope struct {
	Method string
	ID     json.RawMessage // nil when absent
	Raw    json.RawMessage
}

// HasID reports whether the message carries an id field. JSON-RPC messages
// with a method but no id are notifications.
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

// IsNotification reports whether the message is a method call without an id.
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && !e.HasID()
}

// Parse extracts the method and id from a raw JSON-RPC message. The full
// payload is retained in Raw for forwarding.
func Parse(data []byte) (*Envelope, error) {
	var partial struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return &Envelope{Method: partial.Method, ID: partial.ID, Raw: raw}, nil
}

// ReplaceID rewrites the id field of a serialized JSON-RPC message. Used when
// replaying a cached response under the id of the live client's request.
// The message is re-encoded with encoding/json: members come out in sorted
// key order, and every other member's value is compacted (insignificant
// whitespace removed) with <, > and & inside strings replaced by their
// \u escapes. Only a cached response that is already compact and free of
// those characters keeps its other values byte-for-byte.
func ReplaceID(message string, id json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(message), &fields); err != nil {
		return "", fmt.Errorf("protocol: failed to parse cached response: %w", err)
	}

	fields["id"] = id

	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("protocol: failed to serialize response: %w", err)
	}
	return string(out), nil
}

// initializeResultKeys are the result-object members that identify a response
// to the initialize handshake. Any one of them is sufficient.
var initializeResultKeys = []string{
	"capabilities",
	"serverInfo",
	"agentInfo",
	"agentCapabilities",
	"protocolVersion",
}

// IsInitializeResponse reports whether the line looks like an agent's response
// to the initialize request: a JSON object with a result object carrying any
// of the known handshake members.
func IsInitializeResponse(line string) bool {
	result, ok := resultObject(line)
	if !ok {
		return false
	}
	for _, key := range initializeResultKeys {
		if _, present := result[key]; present {
			return true
		}
	}
	return false
}

// IsSessionResponse reports whether the line looks like an agent's response to
// a session-creation request: a JSON object with a result object carrying a
// sessionId member.
func IsSessionResponse(line string) bool {
	result, ok := resultObject(line)
	if !ok {
		return false
	}
	_, present := result["sessionId"]
	return present
}

// resultObject parses the line and returns its result member as an object.
func resultObject(line string) (map[string]json.RawMessage, bool) {
	var partial struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &partial); err != nil {
		return nil, false
	}
	if len(partial.Result) == 0 {
		return nil, false
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(partial.Result, &result); err != nil {
		return nil, false
	}
	return result, true
}

// PushRegistration is the params payload of a bridge/registerPushToken call.
type PushRegistration struct {
	Platform    string `json:"platform"`
	DeviceToken string `json:"deviceToken"`
	BundleID    string `json:"bundleId"`
}

// ParsePushParams decodes the params object of a push-token control message.
func ParsePushParams(raw json.RawMessage) (*PushRegistration, error) {
	var partial struct {
		Params PushRegistration `json:"params"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse push params: %w", err)
	}
	return &partial.Params, nil
}

// SynthesizeInitializeResponse builds a minimal initialize response for
// clients whose first-connection handshake was never captured. It advertises
// no capabilities; the protocol layer above is expected to cope.
func SynthesizeInitializeResponse(id json.RawMessage) string {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  struct {
			ProtocolVersion int               `json:"protocolVersion"`
			Capabilities    struct{}          `json:"capabilities"`
			ServerInfo      map[string]string `json:"serverInfo"`
		} `json:"result"`
	}{JSONRPC: "2.0", ID: id}
	resp.Result.ProtocolVersion = 1
	resp.Result.ServerInfo = map[string]string{"name": "acp-bridge", "version": "1.0"}

	out, _ := json.Marshal(resp)
	return string(out)
}
