// Package eventlog is the downstream side of the outbox: sinks that receive
// every published domain event. Consumers must deduplicate on EventID since
// delivery is at-least-once.
package eventlog

import (
	"context"
	"fmt"
	"strings"

	"workqueue/internal/domain"
)

type Sink interface {
	Name() string
	Publish(ctx context.Context, evt domain.Event) error
}

// Route sends the listed event types to a sink; an empty list means all.
type Route struct {
	Sink   Sink
	Events []string
}

type route struct {
	sink   Sink
	filter eventFilter
}

// Log fans an event out to every matching sink, in route order.
type Log struct {
	routes []route
}

func New(routes ...Route) *Log {
	l := &Log{}
	for _, r := range routes {
		l.routes = append(l.routes, route{sink: r.Sink, filter: newEventFilter(r.Events)})
	}
	return l
}

func (l *Log) Sinks() []string {
	names := make([]string, 0, len(l.routes))
	for _, r := range l.routes {
		names = append(names, r.sink.Name())
	}
	return names
}

// Publish stops at the first failing sink. The relay retries the whole
// event, so earlier sinks may see it again.
func (l *Log) Publish(ctx context.Context, evt domain.Event) error {
	for _, r := range l.routes {
		if !r.filter.match(string(evt.Type)) {
			continue
		}
		if err := r.sink.Publish(ctx, evt); err != nil {
			return fmt.Errorf("sink %s: %w", r.sink.Name(), err)
		}
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
