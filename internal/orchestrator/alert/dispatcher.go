package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/resilience"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// Kind of event that raised an alert.
type Kind string

const (
	Motion Kind = "motion"
	Noise  Kind = "noise"
	Person Kind = "person"
	Test   Kind = "test"
)

// Event is immutable once enqueued.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Frame   []byte    `json:"-"` // JPEG snapshot, may be nil
	Message string    `json:"message"`
}

// Subject is the one-line summary used by transports.
func (e Event) Subject() string {
	return fmt.Sprintf("Security Alert: %s detected", e.Kind)
}

// Notifier is a delivery transport.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Name() string
}

// Options configures a dispatcher.
type Options struct {
	QueueSize   int
	Cooldown    time.Duration
	SendTimeout time.Duration
	Enabled     bool
	Breaker     resilience.Config
	Now         func() time.Time
}

// Stats are the dispatcher counters.
type Stats struct {
	Enabled    bool      `json:"enabled"`
	Accepted   int64     `json:"accepted"`
	Suppressed int64     `json:"suppressed"` // inside the cooldown or disabled
	Overflow   int64     `json:"overflow"`   // queue full
	Delivered  int64     `json:"delivered"`
	Failed     int64     `json:"failed"`
	Abandoned  int64     `json:"abandoned"` // left in the queue at shutdown
	Pending    int       `json:"pending"`
	LastAlert  time.Time `json:"last_alert"`
	Transport  string    `json:"transport"`
	Circuit    string    `json:"circuit"`
	Trips      int64     `json:"trips"`
}

// Dispatcher queues alerts and delivers them on its own goroutine. Enqueue never
// blocks, and a transport failure is logged and dropped.
type Dispatcher struct {
	notifier Notifier
	breaker  *resilience.Breaker
	timeout  time.Duration
	now      func() time.Time

	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	enabled  bool
	cooldown time.Duration
	last     time.Time
	started  bool
	stopped  bool
	stats    Stats
}

// New creates a dispatcher delivering through n. Call Start to run the worker.
func New(n Notifier, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Breaker.Name == "" {
		name := "alerts"
		if n != nil {
			name = n.Name()
		}
		opts.Breaker = resilience.TransportConfig(name)
	}
	if opts.Breaker.Now == nil {
		opts.Breaker.Now = opts.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifier: n,
		breaker:  resilience.New(opts.Breaker),
		timeout:  opts.SendTimeout,
		now:      opts.Now,
		queue:    make(chan Event, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		enabled:  opts.Enabled,
		cooldown: opts.Cooldown,
	}
}

// Start launches the delivery worker. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	go d.run()
}

// Enqueue schedules an alert unless alerts are off, the previous accepted alert
// is younger than the cooldown, or the queue is full. It never blocks.
func (d *Dispatcher) Enqueue(kind Kind, frame []byte, message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.enabled || d.notifier == nil {
		d.stats.Suppressed++
		return false
	}
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.cooldown {
		d.stats.Suppressed++
		return false
	}

	ev := Event{ID: uuid.NewString(), Kind: kind, Time: now, Frame: frame, Message: message}
	select {
	case d.queue <- ev:
	default:
		d.stats.Overflow++
		slog.Warn("alert queue full, dropping alert", "kind", kind)
		return false
	}
	d.last = now
	d.stats.Accepted++
	return true
}

// SetEnabled turns alerting on or off.
func (d *Dispatcher) SetEnabled(v bool) {
	d.mu.Lock()
	d.enabled = v
	d.mu.Unlock()
}

// SetCooldown changes the minimum spacing between accepted alerts.
func (d *Dispatcher) SetCooldown(c time.Duration) {
	d.mu.Lock()
	d.cooldown = max(c, 0)
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		if d.ctx.Err() != nil {
			d.mu.Lock()
			d.stats.Abandoned++
			d.mu.Unlock()
			continue
		}
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, span := trace.StartSpan(trace.With(d.ctx, "alert_id", ev.ID), "alert.deliver")
	defer span.End()
	span.SetAttr("kind", string(ev.Kind))
	log := trace.Logger(ctx)

	err := d.send(ctx, ev)

	d.mu.Lock()
	if err != nil {
		d.stats.Failed++
	} else {
		d.stats.Delivered++
	}
	d.mu.Unlock()

	switch {
	case err == nil:
		log.Info("alert sent", "kind", ev.Kind, "transport", d.notifier.Name())
	case errors.Is(err, resilience.ErrOpen):
		log.Warn("alert dropped, transport circuit open", "kind", ev.Kind, "transport", d.notifier.Name())
	default:
		span.SetError(err)
		log.Error("alert delivery failed", "kind", ev.Kind, "transport", d.notifier.Name(), "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, ev Event) error {
	return d.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, ev); err != nil {
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) {
				return err
			}
			return apperrors.Wrapf(err, apperrors.DeliveryFailed, "%s delivery", d.notifier.Name())
		}
		return nil
	})
}

// Stop closes the queue and lets the worker drain it for at most grace. After
// that, the in-flight delivery is cancelled and anything still queued is
// abandoned. Stop never waits longer than grace; it reports whether the worker
// finished in time.
func (d *Dispatcher) Stop(grace time.Duration) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return true
	}
	d.stopped = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		d.cancel()
		n := len(d.queue)
		d.mu.Lock()
		d.stats.Abandoned += int64(n)
		d.mu.Unlock()
		return true
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-d.done:
		d.cancel()
		return true
	case <-timer.C:
		d.cancel()
		slog.Warn("alert worker did not drain in time, abandoning queue", "grace", grace, "pending", len(d.queue))
		return false
	}
}

// Test sends a test notification synchronously, bypassing queue and cooldown.
func (d *Dispatcher) Test(ctx context.Context) error {
	if d.notifier == nil {
		return apperrors.New(apperrors.Unavailable, "no alert transport configured")
	}
	ev := Event{
		ID:      uuid.NewString(),
		Kind:    Test,
		Time:    d.now(),
		Message: "This is a test alert. If you received it, notifications are working.",
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, ev); err != nil {
		return apperrors.Wrapf(err, apperrors.DeliveryFailed, "test via %s", d.notifier.Name())
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Enabled = d.enabled
	s.LastAlert = d.last
	s.Pending = len(d.queue)
	if d.notifier != nil {
		s.Transport = d.notifier.Name()
	}
	c := d.breaker.Counts()
	s.Circuit = c.State.String()
	s.Trips = c.Trips
	return s
}
