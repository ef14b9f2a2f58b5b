package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Handler receives live events. A returned error is logged and counted; it never stops
// delivery to the remaining handlers.
type Handler func(ctx context.Context, event types.LiveEvent) error

// RouterMetrics holds Prometheus metrics for the router
type RouterMetrics struct {
	handlerCount    prometheus.Gauge
	handlerLatency  prometheus.Histogram
	handlerErrors   *prometheus.CounterVec
	eventsRouted    *prometheus.CounterVec
	eventsDiscarded *prometheus.CounterVec
}

var (
	routerMetricsOnce   sync.Once
	globalRouterMetrics *RouterMetrics
)

// getRouterMetrics initializes router metrics if they haven't been, and returns them.
// This ensures metrics are registered only once.
func getRouterMetrics() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		globalRouterMetrics = &RouterMetrics{
			handlerCount: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "notifysync_event_handlers",
				Help: "Number of registered live event handlers",
			}),
			handlerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "notifysync_event_handler_duration_seconds",
				Help:    "Time taken to handle live events",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			}),
			handlerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "notifysync_event_handler_errors_total",
				Help: "Total number of handler errors by event type",
			}, []string{"event_type"}),
			eventsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "notifysync_events_routed_total",
				Help: "Total number of live events routed by type",
			}, []string{"event_type"}),
			eventsDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "notifysync_events_discarded_total",
				Help: "Total number of live events discarded by reason",
			}, []string{"reason"}),
		}
	})
	return globalRouterMetrics
}

type registration struct {
	id      uint64
	handler Handler
}

// Router delivers live events to handlers synchronously, in registration order.
// Handlers registered with RegisterAll run after the type-specific ones.
type Router struct {
	log     *zap.SugaredLogger
	metrics *RouterMetrics

	mu       sync.RWMutex
	nextID   uint64
	handlers map[types.EventType][]registration
	any      []registration
}

// NewRouter creates a new event router
func NewRouter() *Router {
	return newRouter(getRouterMetrics())
}

func newRouter(metrics *RouterMetrics) *Router {
	return &Router{
		log:      logger.GetLogger().Named("event_router"),
		metrics:  metrics,
		handlers: make(map[types.EventType][]registration),
	}
}

// Register adds a handler for one event type and returns a function that removes it.
// Registering the same function twice delivers each event to it twice.
func (r *Router) Register(eventType types.EventType, handler Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[eventType] = append(r.handlers[eventType], registration{id: id, handler: handler})
	r.mu.Unlock()

	r.metrics.handlerCount.Inc()
	r.log.Debugw("Registered event handler", "eventType", eventType, "handlerID", id)

	return r.unregisterOnce(func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		var removed bool
		r.handlers[eventType], removed = without(r.handlers[eventType], id)
		if len(r.handlers[eventType]) == 0 {
			delete(r.handlers, eventType)
		}
		return removed
	})
}

// RegisterAll adds a handler that receives every event type.
func (r *Router) RegisterAll(handler Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.any = append(r.any, registration{id: id, handler: handler})
	r.mu.Unlock()

	r.metrics.handlerCount.Inc()

	return r.unregisterOnce(func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		var removed bool
		r.any, removed = without(r.any, id)
		return removed
	})
}

func (r *Router) unregisterOnce(remove func() bool) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if remove() {
				r.metrics.handlerCount.Dec()
			}
		})
	}
}

func without(regs []registration, id uint64) ([]registration, bool) {
	for i, reg := range regs {
		if reg.id == id {
			out := make([]registration, 0, len(regs)-1)
			out = append(out, regs[:i]...)
			return append(out, regs[i+1:]...), true
		}
	}
	return regs, false
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.any)
	for _, regs := range r.handlers {
		n += len(regs)
	}
	return n
}

// Dispatch delivers event to its handlers one after another. A panicking handler is
// recovered and reported like an error. The returned error joins every handler failure.
func (r *Router) Dispatch(ctx context.Context, event types.LiveEvent) error {
	if event == nil {
		r.metrics.eventsDiscarded.WithLabelValues("nil_event").Inc()
		return nil
	}
	eventType := event.EventType()

	r.mu.RLock()
	targets := make([]registration, 0, len(r.handlers[eventType])+len(r.any))
	targets = append(targets, r.handlers[eventType]...)
	targets = append(targets, r.any...)
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.metrics.eventsDiscarded.WithLabelValues("no_handlers").Inc()
		r.log.Debugw("No handlers registered for event type", "eventType", eventType)
		return nil
	}

	r.metrics.eventsRouted.WithLabelValues(string(eventType)).Inc()

	var errs []error
	for _, target := range targets {
		if err := r.invoke(ctx, target, event); err != nil {
			r.metrics.handlerErrors.WithLabelValues(string(eventType)).Inc()
			r.log.Errorw("Handler error",
				"error", err,
				"eventType", eventType,
				"handlerID", target.id,
			)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Router) invoke(ctx context.Context, target registration, event types.LiveEvent) (err error) {
	timer := prometheus.NewTimer(r.metrics.handlerLatency)
	defer timer.ObserveDuration()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %d panicked: %v", target.id, p)
		}
	}()

	return target.handler(ctx, event)
}
