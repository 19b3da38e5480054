package models

import "time"

// MessageType classifies a message on the communication bus.
type MessageType string

const (
	// MessageRequest asks a recipient to perform work.
	MessageRequest MessageType = "request"
	// MessageResponse answers a prior request.
	MessageResponse MessageType = "response"
	// MessageStatus reports progress or completion.
	MessageStatus MessageType = "status"
	// MessageCoordination carries consensus protocol traffic.
	MessageCoordination MessageType = "coordination"
	// MessageConflict reports a detected disagreement.
	MessageConflict MessageType = "conflict"
	// MessageHeartbeat is a liveness signal from an agent.
	MessageHeartbeat MessageType = "heartbeat"
)

// Valid returns true if the message type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageRequest, MessageResponse, MessageStatus,
		MessageCoordination, MessageConflict, MessageHeartbeat:
		return true
	default:
		return false
	}
}

// AgentMessage is a transient message between the coordinator and agents.
// Delivery is at-least-once; receivers de-duplicate by ID.
type AgentMessage struct {
	// ID is the unique identifier used for de-duplication.
	ID string `json:"id"`
	// Type classifies the message.
	Type MessageType `json:"type"`
	// Sender is the originating participant ID.
	Sender string `json:"sender"`
	// Recipients lists one or more destination participant IDs.
	Recipients []string `json:"recipients"`
	// Payload carries the message body.
	Payload map[string]any `json:"payload,omitempty"`
	// Priority orders competing messages at the same destination.
	Priority Priority `json:"priority"`
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
	// RequiresResponse indicates the sender expects a reply.
	RequiresResponse bool `json:"requires_response"`
}
