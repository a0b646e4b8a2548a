// Package protocol defines the wire envelopes exchanged over a sync
// connection. Messages are JSON objects; a non-zero id on a client message
// requests an ack carrying the same id.
package protocol

import "encoding/json"

// Event names accepted from clients. EventChanged is server-to-client only.
const (
	EventNow        = "now"
	EventRef        = "ref"
	EventGet        = "get"
	EventSet        = "set"
	EventDisconnect = "disconnect"
	EventChanged    = "changed"
)

// Client-visible error strings carried in ack envelopes.
const (
	ErrMissingReference = "Reference is not provided"
	ErrInvalidReference = "Invalid reference"
	ErrInvalidData      = "Invalid data"
	ErrInvalidVersion   = "Invalid version"
	ErrStorage          = "Storage error"
)

// MaxEnvelopeBytes bounds a single wire message. It sits above the record
// payload bound so oversized data is rejected by validation, not the codec.
const MaxEnvelopeBytes = 2 << 20

// Envelope frames every message in both directions.
type Envelope struct {
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorAck reports a failed operation.
type ErrorAck struct {
	Error string `json:"error"`
}

// NowResult acks a now message.
type NowResult struct {
	Timestamp int64 `json:"timestamp"`
}

// GetRequest is the payload of a get message. Known, when set, is the
// version the client already holds.
type GetRequest struct {
	Known *uint64 `json:"known,omitempty"`
}

// GetResult acks a get. Data is omitted when the stored version matches the
// client's known version.
type GetResult struct {
	Data    *string `json:"data,omitempty"`
	Version uint64  `json:"version"`
}

// SetRequest is the payload of a set message. Version must echo the version
// the writer observed; it is ignored on first write.
type SetRequest struct {
	Data    string  `json:"data"`
	Version *uint64 `json:"version,omitempty"`
}

// SetResult acks a set. On a version conflict Success is false and Data and
// Version carry the current record so the client can reconcile.
type SetResult struct {
	Success bool    `json:"success"`
	Data    *string `json:"data,omitempty"`
	Version uint64  `json:"version"`
}
