// Package tdm is the span and channel engine: it owns spans, channels and
// groups, hunts channels for calls, drives the per-channel call state
// machine and runs the media pipeline between drivers and applications.
package tdm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Registry limits.
const (
	DefaultMaxSpans          = 32
	DefaultMaxChannels       = 32
	DefaultMaxGroups         = 32
	MaxChannelsPerGroup      = 1024
	DefaultSafetyHangupDelay = 30 * time.Second
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithLimits sets the span, per-span channel and group capacities. Zero
// keeps the default.
func WithLimits(spans, channels, groups int) Option {
	return func(r *Registry) {
		if spans > 0 {
			r.maxSpans = spans
		}
		if channels > 0 {
			r.maxChannels = channels
		}
		if groups > 0 {
			r.maxGroups = groups
		}
	}
}

// WithMaxCalls sets the call-ID table size.
func WithMaxCalls(n int) Option {
	return func(r *Registry) { r.maxCalls = n }
}

// WithCrashPolicy selects what happens on internal invariant violations.
func WithCrashPolicy(p CrashPolicy) Option {
	return func(r *Registry) { r.crash = p }
}

// WithSafetyHangup sets how long a terminating call may wait for the
// application before the core hangs it up.
func WithSafetyHangup(d time.Duration) Option {
	return func(r *Registry) { r.safetyHangup = d }
}

// WithCallRate limits how many hunts per second are admitted. A zero rate
// disables admission control.
func WithCallRate(perSecond float64, burst int) Option {
	return func(r *Registry) {
		if perSecond <= 0 {
			r.admission = nil
			return
		}
		r.admission = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// Registry holds every span, group and driver of one process. Lock order
// is registry, then span or group, then channel.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger

	drivers     map[string]Driver
	spans       []*Span
	spansByName map[string]*Span
	groups      []*Group
	groupByName map[string]*Group
	nextSpanID  int
	nextGroupID int

	calls     *CallTable
	sched     *scheduler
	admission *rate.Limiter

	maxSpans     int
	maxChannels  int
	maxGroups    int
	maxCalls     int
	safetyHangup time.Duration
	crash        CrashPolicy

	closed bool
}

// NewRegistry creates an empty registry and starts its timer scheduler.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:       slog.Default(),
		drivers:      make(map[string]Driver),
		spansByName:  make(map[string]*Span),
		groupByName:  make(map[string]*Group),
		maxSpans:     DefaultMaxSpans,
		maxChannels:  DefaultMaxChannels,
		maxGroups:    DefaultMaxGroups,
		maxCalls:     DefaultMaxCalls,
		safetyHangup: DefaultSafetyHangupDelay,
		sched:        newScheduler(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("subsystem", "tdm")
	r.calls = newCallTable(r.maxCalls, r.crash, r.logger)
	return r
}

// Logger returns the registry logger.
func (r *Registry) Logger() *slog.Logger { return r.logger }

// CallTable returns the call-ID table.
func (r *Registry) CallTable() *CallTable { return r.calls }

// RegisterDriver installs a driver instance under name for this registry
// only.
func (r *Registry) RegisterDriver(name string, drv Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.drivers[name]; dup {
		return fmt.Errorf("driver %q: %w", name, ErrAlready)
	}
	r.drivers[name] = drv
	return nil
}

// Driver resolves a driver by name, constructing it from the registered
// factory on first use.
func (r *Registry) Driver(name string) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driverLocked(name)
}

func (r *Registry) driverLocked(name string) (Driver, error) {
	if drv, ok := r.drivers[name]; ok {
		return drv, nil
	}
	f, err := lookupFactory(name)
	if err != nil {
		return nil, err
	}
	drv, err := f(r.logger.With("driver", name))
	if err != nil {
		return nil, fmt.Errorf("loading driver %q: %w", name, err)
	}
	r.drivers[name] = drv
	r.logger.Info("driver loaded", "driver", name)
	return drv, nil
}

// CreateSpan allocates a span served by the named driver. An empty or
// already used name is replaced by "span<id>".
func (r *Registry) CreateSpan(driverName, name string) (*Span, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry closed")
	}
	if len(r.spans) >= r.maxSpans {
		return nil, fmt.Errorf("creating span: %w", ErrCapacity)
	}
	drv, err := r.driverLocked(driverName)
	if err != nil {
		return nil, err
	}

	id := r.nextSpanID + 1
	if _, taken := r.spansByName[name]; name == "" || taken {
		if name != "" {
			r.logger.Warn("span name already in use, generating one", "name", name)
		}
		name = fmt.Sprintf("span%d", id)
	}
	r.nextSpanID = id
	s := newSpan(r, id, name, drv)
	r.spans = append(r.spans, s)
	r.spansByName[name] = s
	r.logger.Info("span created", "span", name, "span_id", id, "driver", driverName)
	return s, nil
}

// SpanByID returns the span with the given id.
func (r *Registry) SpanByID(id int) (*Span, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.spans {
		if s.id == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("span %d: %w", id, ErrNotFound)
}

// SpanByName returns the span with the given name.
func (r *Registry) SpanByName(name string) (*Span, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.spansByName[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("span %q: %w", name, ErrNotFound)
}

// Spans returns all spans in creation order.
func (r *Registry) Spans() []*Span {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Span, len(r.spans))
	copy(out, r.spans)
	return out
}

func (r *Registry) removeSpan(s *Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.spans {
		if cur == s {
			r.spans = append(r.spans[:i], r.spans[i+1:]...)
			break
		}
	}
	if r.spansByName[s.name] == s {
		delete(r.spansByName, s.name)
	}
}

// Close stops every span, destroys all channels and spans and unloads the
// drivers. Calling it again is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	spans := make([]*Span, len(r.spans))
	copy(spans, r.spans)
	r.mu.Unlock()

	var errs []error
	for i := len(spans) - 1; i >= 0; i-- {
		if err := spans[i].Destroy(); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	for name, drv := range r.drivers {
		if u, ok := drv.(DriverUnloader); ok {
			if err := u.Unload(); err != nil {
				errs = append(errs, fmt.Errorf("unloading driver %q: %w", name, err))
			}
		}
	}
	r.drivers = make(map[string]Driver)
	r.groups = nil
	r.groupByName = make(map[string]*Group)
	r.mu.Unlock()

	r.sched.stop()
	r.logger.Info("registry closed")
	return errors.Join(errs...)
}
