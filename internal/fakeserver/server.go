// Package fakeserver is an in-process notification API and event-stream server used by
// tests and local runs of the watcher. It is not a production backend.
package fakeserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// DefaultToken is the bearer token accepted unless WithToken overrides it.
	DefaultToken = "fake-access-token"
	// DefaultUserID is reported in the connected frame.
	DefaultUserID = "user-1"
)

type failure struct {
	status  int
	message string
}

type connection struct {
	id   string
	conn *websocket.Conn
}

// Server serves the notification REST endpoints under / and the event stream at /ws.
type Server struct {
	log    *zap.SugaredLogger
	token  string
	userID string
	echo   bool

	httpServer *httptest.Server

	mu            sync.Mutex
	notifications []types.Notification
	conns         map[string]*connection
	connectCount  int
	rejectStatus  int
	failures      map[string][]failure
	requests      []string
	delays        map[string]time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithToken sets the accepted bearer token. An empty token disables authentication.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

func WithUserID(userID string) Option {
	return func(s *Server) {
		s.userID = userID
	}
}

// WithEcho makes successful REST mutations broadcast the matching live events, the way
// the production server reports changes made from another device.
func WithEcho() Option {
	return func(s *Server) {
		s.echo = true
	}
}

// New starts a server on a loopback port. Call Close when done.
func New(opts ...Option) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		log:      logger.GetLogger().Named("fake_notification_server"),
		token:    DefaultToken,
		userID:   DefaultUserID,
		conns:    make(map[string]*connection),
		failures: make(map[string][]failure),
		delays:   make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.recordRequest())

	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/notifications", s.requireBearer(), s.injectFailures())
	api.GET("", s.handleList)
	api.GET("/unread-count", s.handleUnreadCount)
	api.PATCH("/read-all", s.handleMarkAllRead)
	api.PATCH("/:id/read", s.handleMarkRead)
	api.DELETE("/read", s.handleDeleteAllRead)
	api.DELETE("/:id", s.handleDelete)

	return r
}

// URL is the REST base URL.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// WSURL is the event-stream URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ws"
}

// Close drops every socket and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.httpServer.Close()
}

// Seed replaces the stored notifications. Order is preserved and treated as newest first.
func (s *Server) Seed(notifications ...types.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = make([]types.Notification, len(notifications))
	for i, n := range notifications {
		s.notifications[i] = n.Clone()
	}
}

// Notifications returns a copy of the stored notifications.
func (s *Server) Notifications() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Notification, len(s.notifications))
	for i, n := range s.notifications {
		out[i] = n.Clone()
	}
	return out
}

// Publish stores a new unread notification and broadcasts it with the new unread count.
func (s *Server) Publish(ctx context.Context, title, message string) (types.Notification, error) {
	n := types.Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Message:   message,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	s.mu.Lock()
	s.notifications = append([]types.Notification{n}, s.notifications...)
	unread := s.unreadLocked()
	s.mu.Unlock()

	if err := s.Push(ctx, types.NewNotification{Notification: n}); err != nil {
		return n, err
	}
	return n, s.Push(ctx, types.UnreadCountUpdated{Count: unread})
}

// FailNext makes the next request matching "METHOD /path" answer with status. Paths use
// the route template, e.g. "PATCH /notifications/:id/read".
func (s *Server) FailNext(route string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], failure{status: status, message: message})
}

// Delay makes every request matching route wait d before being served.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[route] = d
}

// RejectConnections makes the upgrade endpoint answer with status. Zero accepts again.
func (s *Server) RejectConnections(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectStatus = status
}

// Requests returns "METHOD route" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// ConnectCount is the number of accepted event-stream connections.
func (s *Server) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCount
}

// Connections is the number of currently open event-stream connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Push sends ev to every open connection.
func (s *Server) Push(ctx context.Context, ev types.LiveEvent) error {
	msg, err := types.EncodeServerMessage(ev)
	if err != nil {
		return err
	}
	return s.PushRaw(ctx, msg)
}

// PushRaw sends an arbitrary JSON frame to every open connection.
func (s *Server) PushRaw(ctx context.Context, frame interface{}) error {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, c.conn, frame)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to write frame to %s: %w", c.id, err)
		}
	}
	return nil
}

// DropConnections closes every open socket as if the server went away.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*connection)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.CloseNow()
	}
}

func (s *Server) recordRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.Request.Method + " " + c.FullPath()
		s.mu.Lock()
		s.requests = append(s.requests, route)
		delay := s.delays[route]
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.Request.Context().Done():
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.Request.Method + " " + c.FullPath()
		s.mu.Lock()
		queue := s.failures[route]
		var next *failure
		if len(queue) > 0 {
			next = &queue[0]
			s.failures[route] = queue[1:]
		}
		s.mu.Unlock()

		if next != nil {
			c.AbortWithStatusJSON(next.status, gin.H{"message": next.message})
			return
		}
		c.Next()
	}
}

func (s *Server) handleList(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(types.DefaultPageSize)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid limit"})
		return
	}
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid skip"})
		return
	}

	s.mu.Lock()
	total := len(s.notifications)
	page := []types.Notification{}
	if skip < total {
		end := min(skip+limit, total)
		for _, n := range s.notifications[skip:end] {
			page = append(page, n.Clone())
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, types.NotificationList{Notifications: page, Total: total})
}

func (s *Server) handleUnreadCount(c *gin.Context) {
	s.mu.Lock()
	count := s.unreadLocked()
	s.mu.Unlock()
	c.JSON(http.StatusOK, types.UnreadCount{Count: count})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx >= 0 {
		s.notifications[idx].Read = true
	}
	unread := s.unreadLocked()
	s.mu.Unlock()

	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
	s.echoEvents(c.Request.Context(), types.MarkedRead{NotificationID: id}, types.UnreadCountUpdated{Count: unread})
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].Read = true
	}
	s.mu.Unlock()

	c.Status(http.StatusNoContent)
	s.echoEvents(c.Request.Context(), types.AllMarkedRead{}, types.UnreadCountUpdated{Count: 0})
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx >= 0 {
		s.notifications = append(s.notifications[:idx], s.notifications[idx+1:]...)
	}
	unread := s.unreadLocked()
	s.mu.Unlock()

	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
	s.echoEvents(c.Request.Context(), types.Deleted{NotificationID: id}, types.UnreadCountUpdated{Count: unread})
}

func (s *Server) handleDeleteAllRead(c *gin.Context) {
	s.mu.Lock()
	kept := s.notifications[:0]
	var removed []string
	for _, n := range s.notifications {
		if n.Read {
			removed = append(removed, n.ID)
			continue
		}
		kept = append(kept, n)
	}
	s.notifications = kept
	s.mu.Unlock()

	c.Status(http.StatusNoContent)
	evs := make([]types.LiveEvent, 0, len(removed))
	for _, id := range removed {
		evs = append(evs, types.Deleted{NotificationID: id})
	}
	s.echoEvents(c.Request.Context(), evs...)
}

func (s *Server) echoEvents(ctx context.Context, evs ...types.LiveEvent) {
	if !s.echo {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		if err := s.Push(ctx, ev); err != nil {
			s.log.Warnw("Failed to echo event", "eventType", ev.EventType(), "error", err)
		}
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.mu.Lock()
	reject := s.rejectStatus
	s.mu.Unlock()

	if reject != 0 {
		c.AbortWithStatusJSON(reject, gin.H{"error": http.StatusText(reject)})
		return
	}
	if s.token != "" && c.Query("token") != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Errorw("Failed to accept WebSocket connection", "error", err)
		return
	}

	// CloseRead answers pings and reports when the client goes away.
	ctx := conn.CloseRead(context.Background())

	entry := &connection{id: uuid.NewString(), conn: conn}

	// The connected frame goes out before the connection is visible to Push.
	hello, err := types.EncodeServerMessage(types.Connected{UserID: s.userID})
	if err == nil {
		err = wsjson.Write(ctx, conn, hello)
	}
	if err != nil {
		s.log.Warnw("Failed to send connected message", "connectionID", entry.id, "error", err)
		_ = conn.CloseNow()
		return
	}

	s.mu.Lock()
	s.conns[entry.id] = entry
	s.connectCount++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, entry.id)
		s.mu.Unlock()
	}()

	<-ctx.Done()
}

func (s *Server) unreadLocked() int {
	count := 0
	for _, n := range s.notifications {
		if !n.Read {
			count++
		}
	}
	return count
}

func (s *Server) indexLocked(id string) int {
	for i, n := range s.notifications {
		if n.ID == id {
			return i
		}
	}
	return -1
}
