package ensemble

import "encoding/json"

// Request is an outbound command frame. The message_id correlates the
// server's eventual response back to the issuing call.
type Request struct {
	MessageID string         `json:"message_id"`
	Command   string         `json:"command"`
	Args      map[string]any `json:"args,omitempty"`
}

// response is an inbound frame answering a request. Exactly one of
// Result or ErrorCode is meaningful; the server sets error_code only on
// failure.
type response struct {
	MessageID string          `json:"message_id"`
	Result    json.RawMessage `json:"result"`
	ErrorCode string          `json:"error_code"`
	Details   string          `json:"details"`
}

// Event is a server-pushed message with no message_id. Data is the raw
// payload object, left undecoded so each subscriber can unmarshal the
// shape it cares about.
type Event struct {
	Name string
	Data json.RawMessage
}

// ServerInfo is the handshake payload the server pushes immediately
// after the socket opens.
type ServerInfo struct {
	ServerID      string `json:"server_id"`
	ServerVersion string `json:"server_version"`
	SchemaVersion int    `json:"schema_version"`
}
