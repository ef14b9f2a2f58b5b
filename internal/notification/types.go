package notification

import (
	"context"

	"github.com/horohouse/notifysync/types"
)

// API is the set of REST calls the synchronization controller depends on.
type API interface {
	List(ctx context.Context, opts types.ListOptions) ([]types.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	DeleteAllRead(ctx context.Context) error
}

var _ API = (*Client)(nil)

// errorBody is the error envelope returned by the notification API.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
