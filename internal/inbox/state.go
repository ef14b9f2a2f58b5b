package inbox

import (
	"context"

	"github.com/horohouse/notifysync/types"
)

// LoadErrorMessage is the Error value set when the notification list cannot be loaded.
const LoadErrorMessage = "Failed to load notifications"

// State is what a view layer renders. An empty Error means no error.
type State struct {
	Notifications   []types.Notification
	UnreadCount     int
	IsConnected     bool
	ConnectionState types.ConnectionState
	// IsLoading covers list fetches only.
	IsLoading bool
	Error     string
}

func (s State) HasError() bool {
	return s.Error != ""
}

func (s State) clone() State {
	out := s
	out.Notifications = make([]types.Notification, len(s.Notifications))
	for i, n := range s.Notifications {
		out.Notifications[i] = n.Clone()
	}
	return out
}

// Consumer is the surface a view layer may depend on. Actions never return errors;
// failures show up in State or trigger a resync.
type Consumer interface {
	Snapshot() State
	Subscribe(fn func(State)) func()

	LoadNotifications(ctx context.Context)
	LoadUnreadCount(ctx context.Context)
	MarkAsRead(ctx context.Context, id string)
	MarkAllAsRead(ctx context.Context)
	DeleteNotification(ctx context.Context, id string)
	DeleteAllRead(ctx context.Context)
	RefreshNotifications(ctx context.Context)
	LoadMore(ctx context.Context)
}

// Phase is the controller's position in the session lifecycle.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseHydrating
	PhaseLive
	PhaseLoggedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseHydrating:
		return "hydrating"
	case PhaseLive:
		return "live"
	case PhaseLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}
