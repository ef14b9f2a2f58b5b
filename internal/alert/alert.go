package alert

import (
	"context"
	"sync"

	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"go.uber.org/zap"
)

// Permission is the user's decision about native alerts.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Notifier shows native alerts on the user's device.
type Notifier interface {
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n types.Notification) error
}

// LogNotifier is a headless Notifier that always grants permission and writes alerts to
// the log.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.GetLogger().Named("alerts")}
}

func (n *LogNotifier) RequestPermission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (n *LogNotifier) Show(_ context.Context, notification types.Notification) error {
	n.log.Infow("New notification",
		"notificationID", notification.ID,
		"title", notification.Title,
		"message", notification.Message,
		"type", notification.Type)
	return nil
}

// Alerter raises a native alert for newly arrived notifications. Permission is requested
// at most once per session and each notification id alerts at most once.
type Alerter struct {
	notifier Notifier
	deduper  Deduper
	log      *zap.SugaredLogger

	mu         sync.Mutex
	requested  bool
	permission Permission
}

// Option configures an Alerter.
type Option func(*Alerter)

// WithDeduper replaces the default in-memory deduper.
func WithDeduper(d Deduper) Option {
	return func(a *Alerter) {
		a.deduper = d
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(a *Alerter) {
		a.log = log
	}
}

func NewAlerter(notifier Notifier, opts ...Option) *Alerter {
	a := &Alerter{
		notifier:   notifier,
		log:        logger.GetLogger().Named("alerter"),
		permission: PermissionDefault,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.deduper == nil {
		a.deduper = NewMemoryDeduper(0)
	}
	return a
}

// Permission returns the last known permission.
func (a *Alerter) Permission() Permission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permission
}

// Prepare requests alert permission for the session if it has not been requested yet.
func (a *Alerter) Prepare(ctx context.Context) {
	a.ensurePermission(ctx)
}

// Alert shows n if permission is granted and n has not been alerted before. Failures are
// logged and otherwise ignored.
func (a *Alerter) Alert(ctx context.Context, n types.Notification) {
	if a.ensurePermission(ctx) != PermissionGranted {
		return
	}

	first, err := a.deduper.Claim(ctx, n.ID)
	if err != nil {
		a.log.Warnw("Alert dedupe unavailable, showing anyway", "notificationID", n.ID, "error", err)
		first = true
	}
	if !first {
		a.log.Debugw("Skipping duplicate alert", "notificationID", n.ID)
		return
	}

	if err := a.notifier.Show(ctx, n); err != nil {
		a.log.Warnw("Failed to show alert", "notificationID", n.ID, "error", err)
	}
}

// Reset forgets the permission decision so the next session asks again.
func (a *Alerter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requested = false
	a.permission = PermissionDefault
}

func (a *Alerter) ensurePermission(ctx context.Context) Permission {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.requested {
		return a.permission
	}
	a.requested = true

	permission, err := a.notifier.RequestPermission(ctx)
	if err != nil {
		a.log.Warnw("Failed to request alert permission", "error", err)
		permission = PermissionDefault
	}
	a.permission = permission
	a.log.Infow("Alert permission resolved", "permission", permission)
	return permission
}
