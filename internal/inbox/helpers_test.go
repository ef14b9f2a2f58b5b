package inbox

import (
	"context"
	"sync"
	"testing"

	"github.com/horohouse/notifysync/internal/auth"
	"github.com/horohouse/notifysync/internal/events"
	"github.com/horohouse/notifysync/internal/websocket"
	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.IsTest = true
}

var (
	ready       = auth.State{IsAuthenticated: true}
	rehydrating = auth.State{IsLoading: true}
	loggedOut   = auth.State{}
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) List(ctx context.Context, opts types.ListOptions) ([]types.Notification, error) {
	args := m.Called(ctx, opts)
	list, _ := args.Get(0).([]types.Notification)
	return list, args.Error(1)
}

func (m *MockAPI) UnreadCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockAPI) MarkRead(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAPI) MarkAllRead(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockAPI) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAPI) DeleteAllRead(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// expectHydration sets up one list fetch and one count fetch.
func (m *MockAPI) expectHydration(list []types.Notification, count int) {
	m.On("List", mock.Anything, types.ListOptions{Limit: types.DefaultPageSize}).Return(list, nil).Once()
	m.On("UnreadCount", mock.Anything).Return(count, nil).Once()
}

// fakeTransport dispatches events synchronously from the test goroutine.
type fakeTransport struct {
	router *events.Router

	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
	connectCtx  context.Context
	stateFns    map[int]func(types.ConnectionState)
	nextID      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		router:   events.NewRouter(),
		stateFns: make(map[int]func(types.ConnectionState)),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) (*websocket.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.connectCtx = ctx
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &websocket.Session{ID: "session-1"}, nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) On(eventType types.EventType, handler events.Handler) func() {
	return f.router.Register(eventType, handler)
}

func (f *fakeTransport) OnStateChange(fn func(types.ConnectionState)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.stateFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.stateFns, id)
	}
}

func (f *fakeTransport) emit(t *testing.T, ev types.LiveEvent) {
	t.Helper()
	require.NoError(t, f.router.Dispatch(context.Background(), ev))
}

func (f *fakeTransport) setState(state types.ConnectionState) {
	f.mu.Lock()
	fns := make([]func(types.ConnectionState), 0, len(f.stateFns))
	for _, fn := range f.stateFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (f *fakeTransport) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeTransport) lastConnectCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCtx
}

// recordingAlerter records alerted ids, permission requests and resets.
type recordingAlerter struct {
	mu       sync.Mutex
	alerted  []string
	prepares int
	resets   int
}

func (a *recordingAlerter) Prepare(context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prepares++
}

func (a *recordingAlerter) Alert(_ context.Context, n types.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerted = append(a.alerted, n.ID)
}

func (a *recordingAlerter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
}

func newTestController(t *testing.T, api API, opts ...Option) (*Controller, *fakeTransport, *Metrics) {
	t.Helper()
	transport := newFakeTransport()
	metrics := NewMetrics(nil)
	c := New(api, transport, append([]Option{WithMetrics(metrics)}, opts...)...)
	return c, transport, metrics
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}

func unread(id string) types.Notification {
	return types.Notification{ID: id, Title: "title " + id}
}

func read(id string) types.Notification {
	return types.Notification{ID: id, Title: "title " + id, Read: true}
}

func ids(list []types.Notification) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.ID
	}
	return out
}
