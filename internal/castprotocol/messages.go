// Package castprotocol implements the JSON sub-protocols multiplexed over
// a castchannel.Channel: virtual-connection handshake, heartbeat, receiver
// control (LAUNCH/GET_STATUS/STOP), and application control (START_STREAM).
// spec.md §4.E.
package castprotocol

import "encoding/json"

// Namespaces this bridge speaks, spec.md §4.E.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceWSApp      = "urn:x-cast:com.p2004a.chromecast-receiver.wsapp"
)

type connectionMessage struct {
	Type string `json:"type"`
}

type pingPongMessage struct {
	Type string `json:"type"`
}

type launchRequest struct {
	Type      string `json:"type"`
	AppID     string `json:"appId"`
	RequestID int    `json:"requestId"`
}

type getStatusRequest struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
}

type stopRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID int    `json:"requestId"`
}

type receiverApplication struct {
	TransportID string `json:"transportId"`
	SessionID   string `json:"sessionId"`
}

type receiverStatusPayload struct {
	Applications []receiverApplication `json:"applications"`
}

// receiverReply covers both RECEIVER_STATUS and LAUNCH_ERROR replies;
// Status is nil on LAUNCH_ERROR, Reason is empty on RECEIVER_STATUS.
type receiverReply struct {
	Type      string                  `json:"type"`
	RequestID int                     `json:"requestId"`
	Status    *receiverStatusPayload  `json:"status,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

type startStreamRequest struct {
	Type       string   `json:"type"`
	RequestID  int      `json:"requestId"`
	Addresses  []string `json:"addresses"`
	DeviceName string   `json:"deviceName"`
}

// appReply covers both OK and ERROR replies on the wsapp namespace.
type appReply struct {
	Type      string          `json:"type"`
	RequestID int             `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}
