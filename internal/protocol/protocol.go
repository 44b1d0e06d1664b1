// Package protocol defines the realtime channel messages exchanged between a
// replica and the synchronization hub. One persistent duplex connection per
// (document, replica) pair carries these, always starting with a
// sync-request from the replica.
package protocol

import (
	"encoding/json"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
)

// Message types
const (
	TypeSyncRequest  = "sync-request"
	TypeSyncResponse = "sync-response"
	TypeOpBroadcast  = "op-broadcast"
	TypeAck          = "ack"
	TypeRole         = "role"
	TypeError        = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeForbidden    = "forbidden"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeBadMessage   = "bad_message"
)

// BaseMessage is the envelope for all messages.
type BaseMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SyncRequestPayload opens a connection: the replica announces itself and the
// frontier it has already seen.
type SyncRequestPayload struct {
	ReplicaID string        `json:"replicaId"`
	Frontier  crdt.Frontier `json:"frontier,omitempty"`
}

// SyncResponsePayload carries the operations the replica is missing, in the
// hub's causal append order, plus the replica's initial role.
type SyncResponsePayload struct {
	Ops  []*crdt.Op `json:"ops"`
	Role string     `json:"role"`
}

// OpBroadcastPayload carries operations in both directions: replica submits
// and hub rebroadcasts.
type OpBroadcastPayload struct {
	Ops []*crdt.Op `json:"ops"`
}

// AckPayload confirms to the submitting replica which operation ids are now
// in the authoritative log. A socket write alone is not an acknowledgement;
// the replica keeps an operation in its pending buffer until one of these
// names it.
type AckPayload struct {
	Ops []crdt.OpID `json:"ops"`
}

// RolePayload notifies the replica that its role changed mid-session.
type RolePayload struct {
	Role string `json:"role"`
}

// ErrorPayload reports a rejected request. A forbidden submit is answered
// with this synchronously so the editor can disable itself immediately.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(BaseMessage{Type: msgType, Payload: raw})
}
