package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerMessage(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		msg     ServerMessage
		want    LiveEvent
		wantErr string
	}{
		{
			name: "connected",
			msg:  ServerMessage{Type: EventTypeConnected, Payload: json.RawMessage(`{"userId":"u-1"}`)},
			want: Connected{UserID: "u-1"},
		},
		{
			name: "notification",
			msg: ServerMessage{
				Type:    EventTypeNotification,
				Payload: json.RawMessage(`{"id":"n-1","title":"New offer","message":"An agent replied","read":false,"createdAt":"2024-03-01T12:00:00Z"}`),
			},
			want: NewNotification{Notification: Notification{
				ID:        "n-1",
				Title:     "New offer",
				Message:   "An agent replied",
				CreatedAt: created,
			}},
		},
		{
			name:    "notification without id",
			msg:     ServerMessage{Type: EventTypeNotification, Payload: json.RawMessage(`{"title":"x"}`)},
			wantErr: "without id",
		},
		{
			name: "unread count",
			msg:  ServerMessage{Type: EventTypeUnreadCount, Payload: json.RawMessage(`{"count":7}`)},
			want: UnreadCountUpdated{Count: 7},
		},
		{
			name: "negative unread count is clamped",
			msg:  ServerMessage{Type: EventTypeUnreadCount, Payload: json.RawMessage(`{"count":-3}`)},
			want: UnreadCountUpdated{Count: 0},
		},
		{
			name: "notification read",
			msg:  ServerMessage{Type: EventTypeNotificationRead, Payload: json.RawMessage(`{"notificationId":"n-2"}`)},
			want: MarkedRead{NotificationID: "n-2"},
		},
		{
			name: "all read",
			msg:  ServerMessage{Type: EventTypeAllNotificationsRead},
			want: AllMarkedRead{},
		},
		{
			name: "deleted",
			msg:  ServerMessage{Type: EventTypeNotificationDeleted, Payload: json.RawMessage(`{"notificationId":"n-3"}`)},
			want: Deleted{NotificationID: "n-3"},
		},
		{
			name: "error from error field",
			msg:  ServerMessage{Type: EventTypeError, Error: "token expired"},
			want: ConnectionError{Message: "token expired"},
		},
		{
			name: "error from payload",
			msg:  ServerMessage{Type: EventTypeError, Payload: json.RawMessage(`{"message":"boom"}`)},
			want: ConnectionError{Message: "boom"},
		},
		{
			name: "disconnect",
			msg:  ServerMessage{Type: EventTypeDisconnect, Payload: json.RawMessage(`{"reason":"server shutdown"}`)},
			want: Disconnected{Reason: "server shutdown"},
		},
		{
			name:    "malformed payload",
			msg:     ServerMessage{Type: EventTypeUnreadCount, Payload: json.RawMessage(`{"count":"many"}`)},
			wantErr: "failed to decode event payload",
		},
		{
			name:    "unknown type",
			msg:     ServerMessage{Type: "subscribed"},
			wantErr: "unknown event type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeServerMessage(tt.msg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeServerMessage_UnknownIsSentinel(t *testing.T) {
	_, err := DecodeServerMessage(ServerMessage{Type: "pong"})
	assert.True(t, errors.Is(err, ErrUnknownEventType))
}

// Every wire type must map to exactly one variant and survive an encode/decode cycle.
func TestLiveEvent_AllTypesCovered(t *testing.T) {
	samples := map[EventType]LiveEvent{
		EventTypeConnected:            Connected{UserID: "u"},
		EventTypeNotification:         NewNotification{Notification: Notification{ID: "n", Title: "t"}},
		EventTypeUnreadCount:          UnreadCountUpdated{Count: 2},
		EventTypeNotificationRead:     MarkedRead{NotificationID: "n"},
		EventTypeAllNotificationsRead: AllMarkedRead{},
		EventTypeNotificationDeleted:  Deleted{NotificationID: "n"},
		EventTypeError:                ConnectionError{Message: "bad"},
		EventTypeDisconnect:           Disconnected{Reason: "bye"},
	}
	require.Len(t, samples, len(AllEventTypes))

	for _, et := range AllEventTypes {
		ev, ok := samples[et]
		require.True(t, ok, "no sample for %s", et)
		assert.Equal(t, et, ev.EventType())

		msg, err := EncodeServerMessage(ev)
		require.NoError(t, err)
		assert.Equal(t, et, msg.Type)

		decoded, err := DecodeServerMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, ev, decoded)
	}
}

func TestConnectionError_Error(t *testing.T) {
	plain := ConnectionError{Message: "dial failed"}
	assert.Equal(t, "dial failed", plain.Error())

	cause := errors.New("connection refused")
	wrapped := ConnectionError{Message: "dial failed", Err: cause}
	assert.Equal(t, "dial failed: connection refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestConnectionState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to ConnectionState
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateConnecting, true},
		{StateConnected, StateConnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
	assert.Equal(t, "unknown", ConnectionState(42).String())
}

func TestDedupeNotifications(t *testing.T) {
	in := []Notification{
		{ID: "a", Title: "first"},
		{ID: "b"},
		{ID: "a", Title: "second", Read: true},
	}

	out := DedupeNotifications(in)

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "second", out[0].Title)
	assert.True(t, out[0].Read)
	assert.Equal(t, "b", out[1].ID)
}

func TestNotification_Clone(t *testing.T) {
	n := Notification{ID: "a", Metadata: map[string]interface{}{"propertyId": "p-1"}}
	c := n.Clone()
	c.Metadata["propertyId"] = "p-2"
	assert.Equal(t, "p-1", n.Metadata["propertyId"])
}
