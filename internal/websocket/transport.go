package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/horohouse/notifysync/config"
	"github.com/horohouse/notifysync/internal/auth"
	"github.com/horohouse/notifysync/internal/events"
	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	// ErrNoCredential is returned by Connect when there is no usable access token.
	ErrNoCredential = errors.New("no usable credential for live connection")
	// ErrRejected is reported when the server refuses the upgrade with 401 or 403.
	ErrRejected = errors.New("live connection rejected by server")
	// ErrInterrupted is returned by Connect when Disconnect ran before the session started.
	ErrInterrupted = errors.New("live connection interrupted by disconnect")
)

// TransportConfig holds the settings of the live event connection.
type TransportConfig struct {
	URL          string
	PingInterval time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// Reconnect policy. MaxRetries of 0 disables reconnection.
	MaxRetries       int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// DefaultTransportConfig returns the default settings for url.
func DefaultTransportConfig(url string) TransportConfig {
	return TransportConfig{
		URL:              url,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		DialTimeout:      10 * time.Second,
		MaxRetries:       5,
		ReconnectInitial: 100 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

// TransportConfigFrom converts the loaded websocket section.
func TransportConfigFrom(cfg config.WebSocketConfig) TransportConfig {
	return TransportConfig{
		URL:              cfg.URL,
		PingInterval:     cfg.PingInterval(),
		WriteTimeout:     cfg.WriteTimeout(),
		DialTimeout:      cfg.DialTimeout(),
		MaxRetries:       cfg.ReconnectMaxRetries,
		ReconnectInitial: cfg.ReconnectInitial(),
		ReconnectMax:     cfg.ReconnectMax(),
	}
}

// Session is one logical connection lifetime, from Connect until Disconnect or until the
// reconnect policy gives up.
type Session struct {
	ID        string
	StartedAt time.Time

	cancel context.CancelFunc
	closed atomic.Bool
	ready  chan struct{}
	done   chan struct{}
}

// Done is closed when the session's run loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) active() bool {
	select {
	case <-s.done:
		return false
	default:
		return !s.closed.Load()
	}
}

type stateListener struct {
	id uint64
	fn func(types.ConnectionState)
}

// Transport owns the live event connection of one authenticated user.
type Transport struct {
	cfg        TransportConfig
	tokens     auth.TokenSource
	tokenCheck func(token string) error
	httpClient *http.Client
	router     *events.Router
	log        *zap.SugaredLogger

	mu      sync.Mutex
	state   types.ConnectionState
	session *Session
	// generation is bumped by every Disconnect.
	generation uint64
	listeners []stateListener
	nextID    uint64
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

func WithLogger(log *zap.SugaredLogger) TransportOption {
	return func(t *Transport) {
		t.log = log
	}
}

// WithRouter sets the router events are dispatched through.
func WithRouter(router *events.Router) TransportOption {
	return func(t *Transport) {
		t.router = router
	}
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *Transport) {
		t.httpClient = client
	}
}

// NewTransport creates a disconnected transport.
func NewTransport(cfg TransportConfig, tokens auth.TokenSource, opts ...TransportOption) *Transport {
	t := &Transport{
		cfg:    cfg,
		tokens: tokens,
		tokenCheck: func(token string) error {
			return auth.Usable(token, time.Now())
		},
		log:   logger.GetLogger().Named("notification_transport"),
		state: types.StateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.router == nil {
		t.router = events.NewRouter()
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() types.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// On registers handler for one event type. Handlers run synchronously in registration
// order on the connection's read goroutine.
func (t *Transport) On(eventType types.EventType, handler events.Handler) func() {
	return t.router.Register(eventType, handler)
}

// OnAny registers handler for every event type.
func (t *Transport) OnAny(handler events.Handler) func() {
	return t.router.RegisterAll(handler)
}

// OnStateChange registers fn for connection state transitions.
func (t *Transport) OnStateChange(fn func(types.ConnectionState)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners = append(t.listeners, stateListener{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, l := range t.listeners {
				if l.id == id {
					t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Connect opens the live connection. While a session is running (connecting, connected or
// waiting to reconnect) the same session is returned and no new socket is opened. Without
// a usable credential it returns ErrNoCredential and changes nothing.
//
// Connect waits for the first dial attempt to finish or for ctx to end. Dial failures are
// reported through events, not through the returned error. If Disconnect runs or ctx ends
// before the session is installed, no socket is opened and ErrInterrupted is returned.
func (t *Transport) Connect(ctx context.Context) (*Session, error) {
	t.mu.Lock()
	if t.session != nil && t.session.active() {
		s := t.session
		t.mu.Unlock()
		return s, nil
	}
	generation := t.generation
	t.mu.Unlock()

	token, err := t.tokens.Token(ctx)
	if err == nil {
		err = t.tokenCheck(token)
	}
	if err != nil {
		t.log.Debugw("Skipping live connection without credential", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.generation != generation || ctx.Err() != nil {
		t.mu.Unlock()
		cancel()
		t.log.Infow("Live connection abandoned, disconnected while preparing", "sessionID", s.ID)
		return nil, ErrInterrupted
	}
	if t.session != nil && t.session.active() {
		// Lost a race with a concurrent Connect.
		existing := t.session
		t.mu.Unlock()
		cancel()
		return existing, nil
	}
	t.session = s
	t.mu.Unlock()

	t.log.Infow("Opening live connection",
		"sessionID", s.ID,
		"url", logger.MaskURLToken(t.cfg.URL),
		"handlers", t.router.Len())
	go t.run(runCtx, s)

	select {
	case <-s.ready:
	case <-ctx.Done():
	}
	return s, nil
}

// Disconnect closes the live connection. It is safe to call at any time and more than
// once. No events are delivered for the closed session after it returns, apart from a
// handler call that was already in progress.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	s := t.session
	t.session = nil
	t.generation++
	t.mu.Unlock()

	if s != nil {
		s.closed.Store(true)
		s.cancel()
		t.log.Infow("Live connection closed by client", "sessionID", s.ID)
	}
	t.transition(nil, types.StateDisconnected)
}

func (t *Transport) run(ctx context.Context, s *Session) {
	defer close(s.done)

	policy := t.reconnectPolicy(ctx)
	signalled := false
	signalReady := func() {
		if !signalled {
			signalled = true
			close(s.ready)
		}
	}
	defer signalReady()

	for {
		t.transition(s, types.StateConnecting)

		conn, err := t.dial(ctx)
		if err != nil {
			signalReady()
			if ctx.Err() != nil {
				return
			}
			t.fail(ctx, s, "Failed to connect to notification stream", err)
			if errors.Is(err, ErrRejected) || errors.Is(err, ErrNoCredential) {
				return
			}
			if !t.wait(ctx, s, policy) {
				return
			}
			continue
		}

		t.transition(s, types.StateConnected)
		signalReady()
		policy.Reset()

		err = t.serve(ctx, s, conn)
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		_ = conn.CloseNow()

		t.fail(ctx, s, "Notification stream connection lost", err)
		if !t.wait(ctx, s, policy) {
			return
		}
	}
}

func (t *Transport) reconnectPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.cfg.ReconnectInitial
	exp.MaxInterval = t.cfg.ReconnectMax
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := t.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// wait sleeps for the next backoff interval. It reports false once the policy is
// exhausted or the session ended.
func (t *Transport) wait(ctx context.Context, s *Session, policy backoff.BackOff) bool {
	next := policy.NextBackOff()
	if next == backoff.Stop {
		t.log.Warnw("Giving up on live connection", "sessionID", s.ID, "maxRetries", t.cfg.MaxRetries)
		return false
	}

	t.log.Infow("Reconnecting live connection", "sessionID", s.ID, "backoff", next)
	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := t.tokens.Token(ctx)
	if err == nil {
		err = t.tokenCheck(token)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	endpoint, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	dialCtx := ctx
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(dialCtx, endpoint.String(), &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// serve reads frames and pings until either fails or ctx ends.
func (t *Transport) serve(ctx context.Context, s *Session, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- t.readLoop(ctx, s, conn) }()
	go func() { errCh <- t.pingLoop(ctx, conn) }()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

func (t *Transport) readLoop(ctx context.Context, s *Session, conn *websocket.Conn) error {
	for {
		var msg types.ServerMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		ev, err := types.DecodeServerMessage(msg)
		if err != nil {
			t.log.Warnw("Discarding undecodable frame", "sessionID", s.ID, "type", msg.Type, "error", err)
			continue
		}
		t.emit(ctx, s, ev)
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if t.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

// fail reports a connection failure: a ConnectionError, then Disconnected.
func (t *Transport) fail(ctx context.Context, s *Session, message string, err error) {
	t.log.Warnw(message, "sessionID", s.ID, "error", err)
	t.transition(s, types.StateDisconnected)
	t.emit(ctx, s, types.ConnectionError{Message: message, Err: err})

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	t.emit(ctx, s, types.Disconnected{Reason: reason})
}

func (t *Transport) emit(ctx context.Context, s *Session, ev types.LiveEvent) {
	if s.closed.Load() {
		return
	}
	_ = t.router.Dispatch(context.WithoutCancel(ctx), ev)
}

// transition moves to next. A nil session applies unconditionally; otherwise the change
// is ignored unless s is the current session.
func (t *Transport) transition(s *Session, next types.ConnectionState) {
	t.mu.Lock()
	if s != nil && t.session != s {
		t.mu.Unlock()
		return
	}
	prev := t.state
	if prev == next {
		t.mu.Unlock()
		return
	}
	if !prev.CanTransition(next) {
		t.log.Warnw("Unexpected connection state transition", "from", prev, "to", next)
	}
	t.state = next
	listeners := make([]stateListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l.fn(next)
	}
}
