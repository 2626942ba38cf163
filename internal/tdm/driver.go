package tdm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Driver is the hardware backend behind a span. Every driver supplies the
// channel-level I/O entry points; the remaining capabilities are optional
// interfaces detected with a type assertion.
type Driver interface {
	Name() string
	Open(ch *Channel) error
	Close(ch *Channel) error
	Read(ch *Channel, buf []byte) (int, error)
	Write(ch *Channel, buf []byte) (int, error)
	Wait(ctx context.Context, ch *Channel, flags WaitFlag, timeout time.Duration) (WaitFlag, error)
	Command(ch *Channel, cmd Command, arg any) (any, error)
}

// SpanConfigurer creates a span's channels from driver-specific key/value
// parameters, typically by calling Span.AddChannel.
type SpanConfigurer interface {
	ConfigureSpan(ctx context.Context, span *Span, params map[string]string) error
}

// EventPoller delivers out-of-band hardware events for a span.
type EventPoller interface {
	PollEvent(ctx context.Context, span *Span, timeout time.Duration) error
	NextEvent(span *Span) (Event, bool)
}

// ChannelEventSource delivers out-of-band events for a single channel.
type ChannelEventSource interface {
	ChannelNextEvent(ch *Channel) (Event, bool)
}

// AlarmReporter reads the current line alarms of a channel.
type AlarmReporter interface {
	GetAlarms(ch *Channel) (Alarm, error)
}

// ChannelDestroyer releases driver resources held by one channel.
type ChannelDestroyer interface {
	DestroyChannel(ch *Channel) error
}

// SpanDestroyer releases driver resources held by a span.
type SpanDestroyer interface {
	DestroySpan(span *Span) error
}

// SpanStarter is implemented by drivers that run per-span machinery.
type SpanStarter interface {
	StartSpan(span *Span) error
	StopSpan(span *Span) error
}

// DriverUnloader is called once when the registry shuts down.
type DriverUnloader interface {
	Unload() error
}

// DriverFactory constructs a driver instance for one registry.
type DriverFactory func(logger *slog.Logger) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]DriverFactory)
)

// RegisterDriverFactory makes a driver available by name to every
// registry. It panics if the name is registered twice or the factory is
// nil.
func RegisterDriverFactory(name string, f DriverFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("tdm: RegisterDriverFactory factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("tdm: RegisterDriverFactory called twice for driver " + name)
	}
	factories[name] = f
}

// DriverFactories returns the sorted names of registered factories.
func DriverFactories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupFactory(name string) (DriverFactory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("driver %q: %w", name, ErrNotFound)
	}
	return f, nil
}
