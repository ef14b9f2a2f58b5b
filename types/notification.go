package types

import (
	"time"
)

// DefaultPageSize is the number of notifications fetched per hydration page.
const DefaultPageSize = 20

// Notification represents a user notification as delivered by the notification API
// and by the live event stream. The ID is stable across both representations.
type Notification struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"createdAt"`
	Type      string                 `json:"type,omitempty"`
	Link      string                 `json:"link,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy of the notification that shares no maps with the original.
func (n Notification) Clone() Notification {
	out := n
	if n.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NotificationList is the response body of the list endpoint.
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	Total         int            `json:"total,omitempty"`
}

// UnreadCount is the response body of the unread-count endpoint and the payload
// of the unreadCount live event.
type UnreadCount struct {
	Count int `json:"count"`
}

// ListOptions controls paging for the list endpoint.
type ListOptions struct {
	Limit int
	Skip  int
}

// DedupeNotifications collapses entries sharing an ID. The entry keeps the position of
// its first occurrence and the value of its last occurrence.
func DedupeNotifications(in []Notification) []Notification {
	out := make([]Notification, 0, len(in))
	index := make(map[string]int, len(in))
	for _, n := range in {
		if i, ok := index[n.ID]; ok {
			out[i] = n
			continue
		}
		index[n.ID] = len(out)
		out = append(out, n)
	}
	return out
}
