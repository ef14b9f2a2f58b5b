package inbox

import (
	"context"

	"github.com/horohouse/notifysync/internal/auth"
	"github.com/horohouse/notifysync/types"
	"golang.org/x/sync/errgroup"
)

// SetAuthState drives the session lifecycle from the auth provider.
//
// A ready state starts the session once: it hydrates, connects and asks for alert
// permission concurrently and returns when all have finished. Further ready states are ignored until the session
// ends. A rehydrating state changes nothing. A logged out state synchronously clears
// local state and disconnects.
func (c *Controller) SetAuthState(ctx context.Context, state auth.State) {
	switch {
	case state.Ready():
		c.start(ctx)
	case state.LoggedOut():
		c.stop("logout")
	default:
		c.log.Debugw("Auth state still loading, keeping session as is")
	}
}

// Close ends the session as if the user logged out.
func (c *Controller) Close() {
	c.stop("close")
}

// Watch feeds auth state changes from store into the controller until ctx ends.
// Logouts are applied on the store's goroutine; session starts run on the caller's.
func (c *Controller) Watch(ctx context.Context, store *auth.Store) {
	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	unsubscribe := store.Subscribe(func(state auth.State) {
		if state.LoggedOut() {
			c.SetAuthState(ctx, state)
			return
		}
		signal()
	})
	defer unsubscribe()

	signal()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			// The store may have moved on since the wake-up; act on its current state.
			c.SetAuthState(ctx, store.State())
		}
	}
}

func (c *Controller) start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.epoch++
	epoch := c.epoch
	// Cancelled by stop, so nothing begun for this session outlives it.
	ctx, c.cancelSession = context.WithCancel(ctx)
	c.loads = 0
	c.phase = PhaseHydrating
	c.subscribeLocked(epoch)
	c.mu.Unlock()

	c.log.Infow("Starting notification session", "epoch", epoch)
	c.notify()

	var g errgroup.Group
	g.Go(func() error {
		c.refresh(ctx, epoch, "hydration")
		return nil
	})
	g.Go(func() error {
		if _, err := c.transport.Connect(ctx); err != nil {
			c.log.Warnw("Live connection not started", "error", err)
		}
		return nil
	})
	if c.alerter != nil {
		g.Go(func() error {
			c.alerter.Prepare(ctx)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	if c.epoch == epoch && c.phase == PhaseHydrating {
		c.phase = PhaseLive
	}
	c.mu.Unlock()
}

func (c *Controller) stop(reason string) {
	c.mu.Lock()
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
	c.epoch++
	c.started = false
	c.loads = 0
	c.transportError = false
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.state = State{
		Notifications:   []types.Notification{},
		ConnectionState: types.StateDisconnected,
	}
	c.phase = PhaseLoggedOut
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	c.transport.Disconnect()
	if c.alerter != nil {
		c.alerter.Reset()
	}

	c.log.Infow("Notification session ended", "reason", reason)
	c.notify()
}

func (c *Controller) subscribeLocked(epoch uint64) {
	handler := func(ctx context.Context, ev types.LiveEvent) error {
		c.applyEvent(ctx, epoch, ev)
		return nil
	}
	for _, eventType := range types.AllEventTypes {
		c.unsubscribe = append(c.unsubscribe, c.transport.On(eventType, handler))
	}
	c.unsubscribe = append(c.unsubscribe, c.transport.OnStateChange(func(state types.ConnectionState) {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.state.ConnectionState = state
		c.mu.Unlock()
		c.notify()
	}))
}

// applyEvent merges one live event into local state.
func (c *Controller) applyEvent(ctx context.Context, epoch uint64, ev types.LiveEvent) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}

	var alert *types.Notification
	switch e := ev.(type) {
	case types.Connected:
		c.state.IsConnected = true
		if c.transportError {
			c.clearErrorLocked()
		}

	case types.NewNotification:
		if c.indexLocked(e.Notification.ID) >= 0 {
			break
		}
		n := e.Notification.Clone()
		c.state.Notifications = append([]types.Notification{n}, c.state.Notifications...)
		c.state.UnreadCount++
		alert = &n

	case types.UnreadCountUpdated:
		c.state.UnreadCount = max(e.Count, 0)

	case types.MarkedRead:
		if idx := c.indexLocked(e.NotificationID); idx >= 0 {
			c.state.Notifications[idx].Read = true
		}

	case types.AllMarkedRead:
		for i := range c.state.Notifications {
			c.state.Notifications[i].Read = true
		}
		c.state.UnreadCount = 0

	case types.Deleted:
		// The count follows from the server's unreadCount push.
		if idx := c.indexLocked(e.NotificationID); idx >= 0 {
			c.state.Notifications = removeAt(c.state.Notifications, idx)
		}

	case types.ConnectionError:
		c.state.Error = e.Message
		c.transportError = true
		c.state.IsConnected = false

	case types.Disconnected:
		c.state.IsConnected = false
	}
	c.mu.Unlock()

	c.metrics.liveEvents.WithLabelValues(string(ev.EventType())).Inc()
	c.notify()

	if alert != nil && c.alerter != nil {
		c.alerter.Alert(ctx, alert.Clone())
	}
}
