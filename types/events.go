package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the wire name of a live event.
type EventType string

const (
	EventTypeConnected            EventType = "connected"
	EventTypeNotification         EventType = "notification"
	EventTypeUnreadCount          EventType = "unreadCount"
	EventTypeNotificationRead     EventType = "notificationRead"
	EventTypeAllNotificationsRead EventType = "allNotificationsRead"
	EventTypeNotificationDeleted  EventType = "notificationDeleted"
	EventTypeError                EventType = "error"
	EventTypeDisconnect           EventType = "disconnect"
)

// AllEventTypes lists every event type in a stable order.
var AllEventTypes = []EventType{
	EventTypeConnected,
	EventTypeNotification,
	EventTypeUnreadCount,
	EventTypeNotificationRead,
	EventTypeAllNotificationsRead,
	EventTypeNotificationDeleted,
	EventTypeError,
	EventTypeDisconnect,
}

// ErrUnknownEventType is returned when a frame carries a type no variant matches.
var ErrUnknownEventType = errors.New("unknown event type")

// LiveEvent is the closed set of events delivered by the transport.
// Only the variants declared in this file implement it.
type LiveEvent interface {
	EventType() EventType
	isLiveEvent()
}

// Connected is emitted once the server has accepted the connection.
type Connected struct {
	UserID string `json:"userId,omitempty"`
}

// NewNotification carries a notification created after the connection was opened.
type NewNotification struct {
	Notification Notification
}

// UnreadCountUpdated is the server's authoritative unread count.
type UnreadCountUpdated struct {
	Count int `json:"count"`
}

// MarkedRead reports that one notification was marked read.
type MarkedRead struct {
	NotificationID string `json:"notificationId"`
}

// AllMarkedRead reports that every notification was marked read.
type AllMarkedRead struct{}

// Deleted reports that one notification was removed.
type Deleted struct {
	NotificationID string `json:"notificationId"`
}

// ConnectionError reports a transport or server side failure.
type ConnectionError struct {
	Message string
	Err     error
}

// Disconnected reports that the connection ended.
type Disconnected struct {
	Reason string
}

func (Connected) EventType() EventType          { return EventTypeConnected }
func (NewNotification) EventType() EventType    { return EventTypeNotification }
func (UnreadCountUpdated) EventType() EventType { return EventTypeUnreadCount }
func (MarkedRead) EventType() EventType         { return EventTypeNotificationRead }
func (AllMarkedRead) EventType() EventType      { return EventTypeAllNotificationsRead }
func (Deleted) EventType() EventType            { return EventTypeNotificationDeleted }
func (ConnectionError) EventType() EventType    { return EventTypeError }
func (Disconnected) EventType() EventType       { return EventTypeDisconnect }

func (Connected) isLiveEvent()          {}
func (NewNotification) isLiveEvent()    {}
func (UnreadCountUpdated) isLiveEvent() {}
func (MarkedRead) isLiveEvent()         {}
func (AllMarkedRead) isLiveEvent()      {}
func (Deleted) isLiveEvent()            {}
func (ConnectionError) isLiveEvent()    {}
func (Disconnected) isLiveEvent()       {}

func (e ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e ConnectionError) Unwrap() error { return e.Err }

// ServerMessage is a frame sent by the event-stream server.
type ServerMessage struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DecodeServerMessage converts a wire frame into its LiveEvent variant.
func DecodeServerMessage(msg ServerMessage) (LiveEvent, error) {
	switch msg.Type {
	case EventTypeConnected:
		var ev Connected
		if err := unmarshalPayload(msg.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case EventTypeNotification:
		var n Notification
		if err := unmarshalPayload(msg.Payload, &n); err != nil {
			return nil, err
		}
		if n.ID == "" {
			return nil, fmt.Errorf("notification event without id")
		}
		return NewNotification{Notification: n}, nil

	case EventTypeUnreadCount:
		var ev UnreadCountUpdated
		if err := unmarshalPayload(msg.Payload, &ev); err != nil {
			return nil, err
		}
		if ev.Count < 0 {
			ev.Count = 0
		}
		return ev, nil

	case EventTypeNotificationRead:
		var ev MarkedRead
		if err := unmarshalPayload(msg.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case EventTypeAllNotificationsRead:
		return AllMarkedRead{}, nil

	case EventTypeNotificationDeleted:
		var ev Deleted
		if err := unmarshalPayload(msg.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case EventTypeError:
		message := msg.Error
		if message == "" {
			var payload struct {
				Message string `json:"message"`
			}
			_ = unmarshalPayload(msg.Payload, &payload)
			message = payload.Message
		}
		if message == "" {
			message = "server error"
		}
		return ConnectionError{Message: message}, nil

	case EventTypeDisconnect:
		var payload struct {
			Reason string `json:"reason"`
		}
		_ = unmarshalPayload(msg.Payload, &payload)
		return Disconnected{Reason: payload.Reason}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, msg.Type)
	}
}

// EncodeServerMessage builds the wire frame for an event. It is the inverse of
// DecodeServerMessage and is used by servers and test fixtures.
func EncodeServerMessage(ev LiveEvent) (ServerMessage, error) {
	msg := ServerMessage{Type: ev.EventType()}

	var payload interface{}
	switch e := ev.(type) {
	case Connected:
		payload = e
	case NewNotification:
		payload = e.Notification
	case UnreadCountUpdated:
		payload = e
	case MarkedRead:
		payload = e
	case AllMarkedRead:
		payload = nil
	case Deleted:
		payload = e
	case ConnectionError:
		msg.Error = e.Message
	case Disconnected:
		payload = map[string]string{"reason": e.Reason}
	default:
		return ServerMessage{}, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ServerMessage{}, fmt.Errorf("failed to marshal %s payload: %w", msg.Type, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode event payload: %w", err)
	}
	return nil
}
