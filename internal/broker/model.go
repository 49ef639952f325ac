package broker

import (
	"github.com/google/uuid"
)

// Reserved message types delivered by the broker itself.
const (
	MessageTypeEndDialog   = "http://schemas.microsoft.com/SQL/ServiceBroker/EndDialog"
	MessageTypeError       = "http://schemas.microsoft.com/SQL/ServiceBroker/Error"
	MessageTypeDialogTimer = "http://schemas.microsoft.com/SQL/ServiceBroker/DialogTimer"
	// MessageTypeDefault is the message type used when none is requested.
	MessageTypeDefault = "DEFAULT"
	// ContractDefault is the contract used when none is configured.
	ContractDefault = "DEFAULT"
)

// ServiceInfo is the catalog entry of a service and the queue behind it.
type ServiceInfo struct {
	ServiceName string `yaml:"service_name" json:"service_name"`
	ServiceID   int32  `yaml:"service_id" json:"service_id"`
	QueueName   string `yaml:"queue_name" json:"queue_name"`
	QueueID     int32  `yaml:"queue_id" json:"queue_id"`
}

// State is a conversation endpoint state code.
type State string

const (
	StateStartedOutbound      State = "SO"
	StateStartedInbound       State = "SI"
	StateConversing           State = "CO"
	StateDisconnectedInbound  State = "DI"
	StateDisconnectedOutbound State = "DO"
	StateError                State = "ER"
	StateClosed               State = "CD"
)

// Description returns the broker's wording for the state.
func (s State) Description() string {
	switch s {
	case StateStartedOutbound:
		return "Started Outbound"
	case StateStartedInbound:
		return "Started Inbound"
	case StateConversing:
		return "Conversing"
	case StateDisconnectedInbound:
		return "Disconnected"
	case StateDisconnectedOutbound:
		return "Disconnected Outbound"
	case StateError:
		return "Error"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Resumable reports whether messages may still be sent on the conversation.
func (s State) Resumable() bool {
	return s == StateConversing || s == StateStartedOutbound
}

// ConversationInfo is the metadata of one conversation endpoint.
type ConversationInfo struct {
	ServiceName         string    `yaml:"service_name" json:"service_name"`
	QueueName           string    `yaml:"queue_name" json:"queue_name"`
	TargetServiceName   string    `yaml:"target_service_name" json:"target_service_name"`
	ConversationID      uuid.UUID `yaml:"conversation_id" json:"conversation_id"`
	ConversationHandle  uuid.UUID `yaml:"conversation_handle" json:"conversation_handle"`
	ConversationGroupID uuid.UUID `yaml:"conversation_group_id" json:"conversation_group_id"`
	State               State     `yaml:"state" json:"state"`
}

// ConversationContext accompanies every received message.
type ConversationContext struct {
	ConversationHandle    uuid.UUID
	ConversationGroupID   uuid.UUID
	MessageSequenceNumber int64
	MessageTypeName       string
}
