package mediadb

import (
	"github.com/uber-go/tally/v4"
)

type catalogueMetrics struct {
	scope         tally.Scope
	eventsApplied tally.Counter
	forwarded     tally.Counter
	busErrors     tally.Counter
	flushes       tally.Counter
	flushErrors   tally.Counter
	elections     tally.Counter
	records       tally.Gauge
	dirty         tally.Gauge
	flushLatency  tally.Timer
}

func newCatalogueMetrics(scope tally.Scope, typ string) *catalogueMetrics {
	scope = scope.Tagged(map[string]string{"catalogue": typ})

	return &catalogueMetrics{
		scope:         scope,
		eventsApplied: scope.Counter("events_applied"),
		forwarded:     scope.Counter("forwarded"),
		busErrors:     scope.Counter("bus_errors"),
		flushes:       scope.Counter("flushes"),
		flushErrors:   scope.Counter("flush_errors"),
		elections:     scope.Counter("elections"),
		records:       scope.Gauge("records"),
		dirty:         scope.Gauge("dirty"),
		flushLatency:  scope.Timer("flush_latency"),
	}
}

func (m *catalogueMetrics) mutation(kind EventKind) {
	m.scope.Tagged(map[string]string{"kind": string(kind)}).Counter("mutations").Inc(1)
}

func (m *catalogueMetrics) state(records int, dirty bool) {
	m.records.Update(float64(records))

	if dirty {
		m.dirty.Update(1)
	} else {
		m.dirty.Update(0)
	}
}
