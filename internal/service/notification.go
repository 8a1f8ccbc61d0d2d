package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/metrics"
	"github.com/dtroode/academysync/internal/model"
)

type GatewayOptions struct {
	// ToastTimeout is how long a toast stays active.
	ToastTimeout time.Duration
	// SubscriberBuffer is the per-subscriber queue length.
	SubscriberBuffer int
	// PushTimeout bounds one push delivery.
	PushTimeout time.Duration
}

type subscriber struct {
	events chan model.Event
	done   chan struct{}
}

type activeNotification struct {
	event model.Event
	timer *time.Timer
}

// Gateway fans notifications out to subscribers. Delivery is at most once and
// nothing is persisted.
type Gateway struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	active  map[string]*activeNotification
	closed  bool

	opts    GatewayOptions
	pusher  model.Pusher
	logger  *logger.Logger
	metrics *metrics.Metrics
	pushes  sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// NewGateway creates a Gateway. pusher may be nil.
func NewGateway(opts GatewayOptions, pusher model.Pusher, m *metrics.Metrics, logger *logger.Logger) *Gateway {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 16
	}
	return &Gateway{
		subs:    make(map[int]*subscriber),
		active:  make(map[string]*activeNotification),
		opts:    opts,
		pusher:  pusher,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Notify publishes event and returns it with defaults filled in.
// Alerts without a class become persistent, everything else a toast.
func (g *Gateway) Notify(ctx context.Context, event model.Event) model.Event {
	if event.ID == "" {
		event.ID = g.newID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = g.now()
	}
	if event.Severity == "" {
		event.Severity = model.SeverityInfo
	}
	if event.Class == "" {
		event.Class = model.ClassToast
		if event.Severity == model.SeverityAlert {
			event.Class = model.ClassPersistent
		}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return event
	}

	entry := &activeNotification{event: event}
	if event.Class == model.ClassToast && g.opts.ToastTimeout > 0 {
		entry.timer = time.AfterFunc(g.opts.ToastTimeout, func() { g.expire(entry) })
	}
	if prev, ok := g.active[event.ID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	g.active[event.ID] = entry

	for id, sub := range g.subs {
		select {
		case sub.events <- event:
		default:
			g.metrics.NotificationsDropped.Inc()
			g.logger.Warn("notification subscriber is full, dropping event", "subscriber", id, "event_id", event.ID)
		}
	}

	if event.IsAlert() && g.pusher != nil {
		g.pushes.Add(1)
		go g.push(context.WithoutCancel(ctx), event)
	}
	g.mu.Unlock()

	g.metrics.NotificationsTotal.WithLabelValues(string(event.Severity)).Inc()
	g.logger.Debug("notification emitted", "id", event.ID, "kind", event.Kind, "severity", event.Severity)
	return event
}

func (g *Gateway) push(ctx context.Context, event model.Event) {
	defer g.pushes.Done()

	if g.opts.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.PushTimeout)
		defer cancel()
	}
	if err := g.pusher.Push(ctx, event); err != nil {
		g.metrics.PushFailuresTotal.Inc()
		g.logger.Error("failed to push alert", "id", event.ID, "error", err)
	}
}

// Subscribe calls handler for every later notification from a dedicated
// goroutine. The returned func unsubscribes and must not be called from handler.
func (g *Gateway) Subscribe(handler func(model.Event)) func() {
	sub := &subscriber{
		events: make(chan model.Event, g.opts.SubscriberBuffer),
		done:   make(chan struct{}),
	}

	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = sub
	g.mu.Unlock()

	go func() {
		defer close(sub.done)
		for event := range sub.events {
			handler(event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if _, ok := g.subs[id]; ok {
				delete(g.subs, id)
				close(sub.events)
			}
			g.mu.Unlock()
			<-sub.done
		})
	}
}

// Active returns the notifications not yet dismissed, oldest first.
func (g *Gateway) Active() []model.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]model.Event, 0, len(g.active))
	for _, n := range g.active {
		out = append(out, n.event)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Dismiss removes a notification and reports whether it was active.
func (g *Gateway) Dismiss(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.active[id]
	if !ok {
		return false
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	delete(g.active, id)
	return true
}

// expire dismisses entry unless a later notification with the same id replaced it.
func (g *Gateway) expire(entry *activeNotification) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active[entry.event.ID] == entry {
		delete(g.active, entry.event.ID)
	}
}

// Close stops delivery, cancels toast timers and waits for in-flight pushes.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := g.subs
	g.subs = make(map[int]*subscriber)
	for _, n := range g.active {
		if n.timer != nil {
			n.timer.Stop()
		}
	}
	g.mu.Unlock()

	for _, sub := range subs {
		close(sub.events)
		<-sub.done
	}
	g.pushes.Wait()
}
