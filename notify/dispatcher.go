package notify

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/walletvault/registry"
)

// Dispatcher fans wallet events out to subscribed connections. Publish is
// fire-and-forget: delivery failures affect only the failing subscriber and
// are never reported back to the caller.
//
// Events for the same wallet key are routed to the same worker, so each
// subscriber observes them in publish order. Different keys may interleave.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *Metrics

	queues []chan Event
	wg     sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

const (
	dispatchWorkers   = 8
	dispatchQueueSize = 256
)

// NewDispatcher creates a dispatcher over the given registry. A nil logger
// disables logging; a nil metrics registry disables metrics.
func NewDispatcher(reg *registry.Registry, logger *slog.Logger, promReg *prometheus.Registry) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		registry: reg,
		logger:   logger.With("component", "dispatcher"),
		metrics:  NewMetrics(promReg),
		queues:   make([]chan Event, dispatchWorkers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan Event, dispatchQueueSize)
	}
	return d
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
}

// Stop drains the queues and waits for in-flight deliveries to finish.
// Publish after Stop is a no-op.
func (d *Dispatcher) Stop() {
	d.lifecycleMu.Lock()
	if !d.started || d.stopped {
		d.lifecycleMu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.lifecycleMu.Unlock()
	d.wg.Wait()
}

// Publish enqueues an event for delivery to every subscriber of its wallet
// key. If the worker queue is saturated the event is dropped and counted.
func (d *Dispatcher) Publish(event Event) {
	d.lifecycleMu.Lock()
	if !d.started || d.stopped {
		d.lifecycleMu.Unlock()
		return
	}
	q := d.queues[d.queueFor(event.Wallet)]
	select {
	case q <- event:
		d.lifecycleMu.Unlock()
		d.metrics.IncPublished(string(event.Type))
	default:
		d.lifecycleMu.Unlock()
		d.metrics.IncDropped()
		d.logger.Warn("event dropped, dispatch queue full",
			"type", event.Type, "wallet", event.Wallet)
	}
}

func (d *Dispatcher) queueFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *Dispatcher) worker(q chan Event) {
	defer d.wg.Done()
	for event := range q {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	subscribers := d.registry.Subscribers(event.Wallet)
	if len(subscribers) == 0 {
		return
	}

	frame, err := event.Encode()
	if err != nil {
		d.logger.Error("event encoding failed", "type", event.Type, "error", err)
		return
	}

	delivered := 0
	for _, handle := range subscribers {
		if !handle.IsOpen() {
			continue
		}
		if err := handle.Send(frame); err != nil {
			d.metrics.IncSendError()
			d.logger.Warn("delivery failed",
				"type", event.Type, "wallet", event.Wallet,
				"connection", handle.ID(), "error", err)
			continue
		}
		delivered++
	}
	d.metrics.AddDelivered(delivered)
}

// Metrics tracks dispatcher activity. All methods are nil-safe so a nil
// *Metrics disables collection.
type Metrics struct {
	published *prometheus.CounterVec
	delivered prometheus.Counter
	dropped   prometheus.Counter
	sendErrs  prometheus.Counter
}

// NewMetrics registers dispatcher metrics on reg. Returns nil when reg is
// nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletvault_events_published_total",
			Help: "Events accepted for dispatch, by type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletvault_events_delivered_total",
			Help: "Per-subscriber deliveries that succeeded.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletvault_events_dropped_total",
			Help: "Events dropped because the dispatch queue was full.",
		}),
		sendErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletvault_event_send_errors_total",
			Help: "Per-subscriber deliveries that failed.",
		}),
	}
	reg.MustRegister(m.published, m.delivered, m.dropped, m.sendErrs)
	return m
}

func (m *Metrics) IncPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AddDelivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.Add(float64(n))
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) IncSendError() {
	if m == nil {
		return
	}
	m.sendErrs.Inc()
}
