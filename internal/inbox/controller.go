package inbox

import (
	"context"
	"sync"

	apperrors "github.com/horohouse/notifysync/errors"
	"github.com/horohouse/notifysync/internal/events"
	"github.com/horohouse/notifysync/internal/websocket"
	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// API is the REST collaborator.
type API interface {
	List(ctx context.Context, opts types.ListOptions) ([]types.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	DeleteAllRead(ctx context.Context) error
}

// Transport is the live event collaborator.
type Transport interface {
	Connect(ctx context.Context) (*websocket.Session, error)
	Disconnect()
	On(eventType types.EventType, handler events.Handler) func()
	OnStateChange(fn func(types.ConnectionState)) func()
}

// Alerter raises native alerts for new notifications. Prepare is called once per session
// and Reset when it ends.
type Alerter interface {
	Prepare(ctx context.Context)
	Alert(ctx context.Context, n types.Notification)
	Reset()
}

type listener struct {
	id uint64
	fn func(State)
}

// Controller owns the notification list and unread count of one user session.
//
// Every mutation happens under mu. REST and transport calls are made without holding it.
// Results of calls issued in an earlier session epoch are dropped on arrival.
type Controller struct {
	api       API
	transport Transport
	alerter   Alerter
	log       *zap.SugaredLogger
	metrics   *Metrics
	pageSize  int

	mu             sync.Mutex
	state          State
	phase          Phase
	epoch          uint64
	started        bool
	loads          int
	transportError bool
	cancelSession  context.CancelFunc
	unsubscribe    []func()
	listeners      []listener
	nextListenerID uint64
}

var _ Consumer = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithPageSize sets the number of notifications fetched per page.
func WithPageSize(size int) Option {
	return func(c *Controller) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

func WithAlerter(alerter Alerter) Option {
	return func(c *Controller) {
		c.alerter = alerter
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

// New creates a controller in the uninitialized phase. Nothing is fetched or connected
// until SetAuthState reports a ready session.
func New(api API, transport Transport, opts ...Option) *Controller {
	c := &Controller{
		api:       api,
		transport: transport,
		log:       logger.GetLogger().Named("notification_controller"),
		pageSize:  types.DefaultPageSize,
		state: State{
			Notifications:   []types.Notification{},
			ConnectionState: types.StateDisconnected,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = DefaultMetrics()
	}
	return c
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Subscribe registers fn to receive a snapshot after every state change.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// notify must be called without holding mu.
func (c *Controller) notify() {
	c.mu.Lock()
	snapshot := c.state.clone()
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.fn(snapshot)
	}
}

func (c *Controller) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// staleLocked reports whether epoch has ended and counts the dropped result.
func (c *Controller) staleLocked(epoch uint64, operation string) bool {
	if c.epoch == epoch {
		return false
	}
	c.metrics.staleResponses.WithLabelValues(operation).Inc()
	c.log.Debugw("Dropping response from previous session", "operation", operation)
	return true
}

// LoadNotifications replaces the list with the newest page from the server. On failure
// the list is kept and Error is set.
func (c *Controller) LoadNotifications(ctx context.Context) {
	c.loadNotifications(ctx, c.currentEpoch())
}

func (c *Controller) loadNotifications(ctx context.Context, epoch uint64) {
	if !c.beginLoad(epoch) {
		return
	}

	list, err := c.api.List(ctx, types.ListOptions{Limit: c.pageSize})

	c.mu.Lock()
	if c.staleLocked(epoch, "load_notifications") {
		c.mu.Unlock()
		return
	}
	c.endLoadLocked()
	if err != nil {
		c.log.Errorw("Failed to load notifications", "retryable", apperrors.IsRetryable(err), "error", err)
		c.state.Error = LoadErrorMessage
		c.transportError = false
	} else {
		c.state.Notifications = types.DedupeNotifications(list)
		c.clearErrorLocked()
	}
	c.mu.Unlock()
	c.notify()
}

// LoadMore appends the next page, skipping ids already present.
func (c *Controller) LoadMore(ctx context.Context) {
	epoch := c.currentEpoch()
	if !c.beginLoad(epoch) {
		return
	}

	c.mu.Lock()
	skip := len(c.state.Notifications)
	c.mu.Unlock()

	page, err := c.api.List(ctx, types.ListOptions{Limit: c.pageSize, Skip: skip})

	c.mu.Lock()
	if c.staleLocked(epoch, "load_more") {
		c.mu.Unlock()
		return
	}
	c.endLoadLocked()
	if err != nil {
		c.log.Errorw("Failed to load more notifications", "skip", skip, "retryable", apperrors.IsRetryable(err), "error", err)
		c.state.Error = LoadErrorMessage
		c.transportError = false
	} else {
		for _, n := range types.DedupeNotifications(page) {
			if c.indexLocked(n.ID) < 0 {
				c.state.Notifications = append(c.state.Notifications, n)
			}
		}
		c.clearErrorLocked()
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) beginLoad(epoch uint64) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.loads++
	c.state.IsLoading = true
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *Controller) endLoadLocked() {
	if c.loads > 0 {
		c.loads--
	}
	c.state.IsLoading = c.loads > 0
}

func (c *Controller) clearErrorLocked() {
	c.state.Error = ""
	c.transportError = false
}

// LoadUnreadCount replaces the count with the server's value. Failures are only logged.
func (c *Controller) LoadUnreadCount(ctx context.Context) {
	c.loadUnreadCount(ctx, c.currentEpoch())
}

func (c *Controller) loadUnreadCount(ctx context.Context, epoch uint64) {
	count, err := c.api.UnreadCount(ctx)

	c.mu.Lock()
	if c.staleLocked(epoch, "load_unread_count") {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Warnw("Failed to load unread count", "error", err)
		return
	}
	c.state.UnreadCount = max(count, 0)
	c.mu.Unlock()
	c.notify()
}

// RefreshNotifications reloads the list and the unread count concurrently.
func (c *Controller) RefreshNotifications(ctx context.Context) {
	c.refresh(ctx, c.currentEpoch(), "manual")
}

func (c *Controller) refresh(ctx context.Context, epoch uint64, reason string) {
	c.metrics.resyncs.WithLabelValues(reason).Inc()

	var g errgroup.Group
	g.Go(func() error {
		c.loadNotifications(ctx, epoch)
		return nil
	})
	g.Go(func() error {
		c.loadUnreadCount(ctx, epoch)
		return nil
	})
	_ = g.Wait()
}

// MarkAsRead marks one notification read locally, then on the server. A server failure
// triggers a resync.
func (c *Controller) MarkAsRead(ctx context.Context, id string) {
	c.mu.Lock()
	epoch := c.epoch
	idx := c.indexLocked(id)
	// Unknown ids still decrement: the count may cover entries beyond the loaded page.
	if idx < 0 || !c.state.Notifications[idx].Read {
		c.state.UnreadCount = max(c.state.UnreadCount-1, 0)
	}
	if idx >= 0 {
		c.state.Notifications[idx].Read = true
	}
	c.mu.Unlock()
	c.notify()

	c.confirm(ctx, epoch, "mark_read", c.api.MarkRead(ctx, id), "id", id)
}

// MarkAllAsRead marks every notification read and zeroes the count.
func (c *Controller) MarkAllAsRead(ctx context.Context) {
	c.mu.Lock()
	epoch := c.epoch
	for i := range c.state.Notifications {
		c.state.Notifications[i].Read = true
	}
	c.state.UnreadCount = 0
	c.mu.Unlock()
	c.notify()

	c.confirm(ctx, epoch, "mark_all_read", c.api.MarkAllRead(ctx))
}

// DeleteNotification removes one notification. The count drops only if it was unread.
func (c *Controller) DeleteNotification(ctx context.Context, id string) {
	c.mu.Lock()
	epoch := c.epoch
	if idx := c.indexLocked(id); idx >= 0 {
		wasUnread := !c.state.Notifications[idx].Read
		c.state.Notifications = removeAt(c.state.Notifications, idx)
		if wasUnread {
			c.state.UnreadCount = max(c.state.UnreadCount-1, 0)
		}
	}
	c.mu.Unlock()
	c.notify()

	err := c.api.Delete(ctx, id)
	if apperrors.IsNotFound(err) {
		// Already gone on the server, so local state has converged.
		c.metrics.actions.WithLabelValues("delete", "not_found").Inc()
		c.log.Debugw("Notification already deleted on server", "id", id)
		return
	}
	c.confirm(ctx, epoch, "delete", err, "id", id)
}

// DeleteAllRead removes every read notification. On failure only the list is reloaded.
func (c *Controller) DeleteAllRead(ctx context.Context) {
	c.mu.Lock()
	epoch := c.epoch
	kept := make([]types.Notification, 0, len(c.state.Notifications))
	for _, n := range c.state.Notifications {
		if !n.Read {
			kept = append(kept, n)
		}
	}
	c.state.Notifications = kept
	c.mu.Unlock()
	c.notify()

	if err := c.api.DeleteAllRead(ctx); err != nil {
		c.metrics.actions.WithLabelValues("delete_all_read", "failure").Inc()
		c.log.Warnw("Failed to delete read notifications, reloading list", "error", err)
		c.metrics.resyncs.WithLabelValues("delete_all_read_failed").Inc()
		c.loadNotifications(ctx, epoch)
		return
	}
	c.metrics.actions.WithLabelValues("delete_all_read", "success").Inc()
}

// confirm records the outcome of an optimistic action and resyncs on failure.
func (c *Controller) confirm(ctx context.Context, epoch uint64, action string, err error, keysAndValues ...interface{}) {
	if err == nil {
		c.metrics.actions.WithLabelValues(action, "success").Inc()
		return
	}
	keysAndValues = append([]interface{}{"action", action, "error", err}, keysAndValues...)
	if apperrors.IsAuthError(err) {
		// The resync below fails the same way and surfaces the load error.
		c.metrics.actions.WithLabelValues(action, "unauthorized").Inc()
		c.log.Errorw("Action rejected, credential no longer accepted", keysAndValues...)
	} else {
		c.metrics.actions.WithLabelValues(action, "failure").Inc()
		c.log.Warnw("Action failed, resyncing", keysAndValues...)
	}
	c.refresh(ctx, epoch, action+"_failed")
}

func (c *Controller) indexLocked(id string) int {
	for i, n := range c.state.Notifications {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(list []types.Notification, idx int) []types.Notification {
	out := make([]types.Notification, 0, len(list)-1)
	out = append(out, list[:idx]...)
	return append(out, list[idx+1:]...)
}
