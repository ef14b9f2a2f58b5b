package inbox

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/horohouse/notifysync/internal/auth"
	"github.com/horohouse/notifysync/internal/fakeserver"
	"github.com/horohouse/notifysync/internal/notification"
	"github.com/horohouse/notifysync/internal/websocket"
	"github.com/horohouse/notifysync/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	e2eWait = 3 * time.Second
	e2eTick = 10 * time.Millisecond
)

type liveStack struct {
	server     *fakeserver.Server
	store      *auth.Store
	controller *Controller
	metrics    *Metrics
	token      string
}

func newLiveStack(t *testing.T, opts ...fakeserver.Option) *liveStack {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   fakeserver.DefaultUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("e2e-secret"))
	require.NoError(t, err)

	server := fakeserver.New(append([]fakeserver.Option{fakeserver.WithToken(token)}, opts...)...)
	t.Cleanup(server.Close)

	store := auth.NewStore()
	api := notification.NewClient(server.URL(), store)

	cfg := websocket.DefaultTransportConfig(server.WSURL())
	cfg.ReconnectInitial = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	transport := websocket.NewTransport(cfg, store)

	metrics := NewMetrics(nil)
	controller := New(api, transport, WithMetrics(metrics))
	t.Cleanup(controller.Close)

	return &liveStack{server: server, store: store, controller: controller, metrics: metrics, token: token}
}

func (s *liveStack) login(t *testing.T) {
	t.Helper()
	s.store.SetToken(s.token)
	s.controller.SetAuthState(context.Background(), auth.State{IsAuthenticated: true})
	require.Eventually(t, func() bool { return s.controller.Snapshot().IsConnected }, e2eWait, e2eTick)
	require.Eventually(t, func() bool { return s.server.Connections() == 1 }, e2eWait, e2eTick)
}

func TestEndToEnd_Scenario(t *testing.T) {
	stack := newLiveStack(t)
	stack.server.Seed(types.Notification{ID: "a", Title: "first"})

	assert.Equal(t, PhaseUninitialized, stack.controller.Phase())
	stack.login(t)

	state := stack.controller.Snapshot()
	assert.Equal(t, []string{"a"}, ids(state.Notifications))
	assert.Equal(t, 1, state.UnreadCount)
	assert.Equal(t, types.StateConnected, state.ConnectionState)

	ctx := context.Background()
	require.NoError(t, stack.server.Push(ctx, types.NewNotification{Notification: types.Notification{ID: "b", Title: "second"}}))
	require.Eventually(t, func() bool { return len(stack.controller.Snapshot().Notifications) == 2 }, e2eWait, e2eTick)

	state = stack.controller.Snapshot()
	assert.Equal(t, []string{"b", "a"}, ids(state.Notifications))
	assert.Equal(t, 2, state.UnreadCount)

	// "b" only exists on the live stream here, so the server answers 404 unless it is seeded.
	stack.server.Seed(types.Notification{ID: "b", Title: "second"}, types.Notification{ID: "a", Title: "first"})
	stack.controller.MarkAsRead(ctx, "b")

	state = stack.controller.Snapshot()
	assert.True(t, state.Notifications[0].Read)
	assert.False(t, state.Notifications[1].Read)
	assert.Equal(t, 1, state.UnreadCount)
	assert.Equal(t, float64(0), counterValue(t, stack.metrics.resyncs, "mark_read_failed"))
	assert.Equal(t, float64(1), counterValue(t, stack.metrics.actions, "mark_read", "success"))
	assert.Contains(t, stack.server.Requests(), "PATCH /notifications/:id/read")
}

func TestEndToEnd_FailedActionResyncs(t *testing.T) {
	stack := newLiveStack(t)
	stack.server.Seed(types.Notification{ID: "a"}, types.Notification{ID: "b", Read: true})
	stack.login(t)

	stack.server.FailNext("DELETE /notifications/:id", http.StatusInternalServerError, "boom")
	stack.controller.DeleteNotification(context.Background(), "a")

	state := stack.controller.Snapshot()
	assert.Equal(t, []string{"a", "b"}, ids(state.Notifications))
	assert.Equal(t, 1, state.UnreadCount)
	assert.False(t, state.HasError(), "action failures do not surface an error")
	assert.Equal(t, float64(1), counterValue(t, stack.metrics.resyncs, "delete_failed"))
}

func TestEndToEnd_ReconnectSurfacesErrorThenRecovers(t *testing.T) {
	stack := newLiveStack(t)
	stack.login(t)

	stack.server.DropConnections()

	require.Eventually(t, func() bool { return stack.server.ConnectCount() == 2 }, e2eWait, e2eTick)
	require.Eventually(t, func() bool {
		s := stack.controller.Snapshot()
		return s.IsConnected && !s.HasError()
	}, e2eWait, e2eTick)
	assert.GreaterOrEqual(t, counterValue(t, stack.metrics.liveEvents, string(types.EventTypeError)), float64(1))
	assert.GreaterOrEqual(t, counterValue(t, stack.metrics.liveEvents, string(types.EventTypeDisconnect)), float64(1))
}

func TestEndToEnd_EchoedMutationsConverge(t *testing.T) {
	stack := newLiveStack(t, fakeserver.WithEcho())
	stack.server.Seed(types.Notification{ID: "a"}, types.Notification{ID: "b"}, types.Notification{ID: "c", Read: true})
	stack.login(t)

	ctx := context.Background()
	stack.controller.DeleteAllRead(ctx)
	stack.controller.MarkAllAsRead(ctx)

	require.Eventually(t, func() bool {
		s := stack.controller.Snapshot()
		return s.UnreadCount == 0 && len(s.Notifications) == 2
	}, e2eWait, e2eTick)

	_, err := stack.server.Publish(ctx, "fresh", "news")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := stack.controller.Snapshot()
		return len(s.Notifications) == 3 && s.UnreadCount == 1
	}, e2eWait, e2eTick)
}

func TestEndToEnd_WatchFollowsAuthStore(t *testing.T) {
	stack := newLiveStack(t)
	stack.server.Seed(types.Notification{ID: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		stack.controller.Watch(ctx, stack.store)
	}()

	// Still rehydrating: nothing happens.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseUninitialized, stack.controller.Phase())
	assert.Zero(t, stack.server.ConnectCount())

	stack.store.Login(stack.token)
	require.Eventually(t, func() bool {
		s := stack.controller.Snapshot()
		return s.IsConnected && len(s.Notifications) == 1
	}, e2eWait, e2eTick)

	stack.store.Logout()
	state := stack.controller.Snapshot()
	assert.Empty(t, state.Notifications)
	assert.False(t, state.IsConnected)
	require.Eventually(t, func() bool { return stack.server.Connections() == 0 }, e2eWait, e2eTick)

	stack.store.Login(stack.token)
	require.Eventually(t, func() bool { return stack.controller.Snapshot().IsConnected }, e2eWait, e2eTick)
	assert.Equal(t, 2, stack.server.ConnectCount())

	cancel()
	select {
	case <-done:
	case <-time.After(e2eWait):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestEndToEnd_LogoutWhileConnectingLeavesNoSocket(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   fakeserver.DefaultUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("e2e-secret"))
	require.NoError(t, err)

	server := fakeserver.New(fakeserver.WithToken(token))
	defer server.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tokens := auth.TokenFunc(func(context.Context) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return token, nil
	})

	transport := websocket.NewTransport(websocket.DefaultTransportConfig(server.WSURL()), tokens)
	defer transport.Disconnect()
	controller := New(notification.NewClient(server.URL(), tokens), transport, WithMetrics(NewMetrics(nil)))

	started := make(chan struct{})
	go func() {
		defer close(started)
		controller.SetAuthState(context.Background(), auth.State{IsAuthenticated: true})
	}()

	<-entered
	controller.SetAuthState(context.Background(), auth.State{})
	close(release)

	select {
	case <-started:
	case <-time.After(e2eWait):
		t.Fatal("session start did not return after logout")
	}

	assert.Equal(t, PhaseLoggedOut, controller.Phase())
	assert.Equal(t, types.StateDisconnected, transport.State())
	assert.Never(t, func() bool { return server.Connections() > 0 }, 200*time.Millisecond, e2eTick)
	assert.Zero(t, server.ConnectCount())

	state := controller.Snapshot()
	assert.Empty(t, state.Notifications)
	assert.False(t, state.IsConnected)
}
