// Package telemetry holds the operational Prometheus counters of the service.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payfox"

// Telemetry owns a private registry so tests can build as many as they like.
type Telemetry struct {
	registry *prometheus.Registry

	eventsIngested     *prometheus.CounterVec
	webhooksReceived   *prometheus.CounterVec
	inboxOutcomes      *prometheus.CounterVec
	lifecycleOutcomes  *prometheus.CounterVec
	metricsCacheLookup *prometheus.CounterVec
}

func New() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Analytics events offered to the event store, by result.",
		}, []string{"result"}),
		webhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Provider webhook deliveries, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		inboxOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_inbox_outcomes_total",
			Help:      "Inbox rows closed or rescheduled by the worker, by provider and status.",
		}, []string{"provider", "status"}),
		lifecycleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Subscription transitions applied, by provider and classification.",
		}, []string{"provider", "classification"}),
		metricsCacheLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_snapshot_cache_total",
			Help:      "Admin metrics snapshot cache lookups, by result.",
		}, []string{"result"}),
	}
	t.registry.MustRegister(
		t.eventsIngested,
		t.webhooksReceived,
		t.inboxOutcomes,
		t.lifecycleOutcomes,
		t.metricsCacheLookup,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return t
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// EventsIngested counts one ingest batch. A nil receiver is a no-op, as on
// every recorder below.
func (t *Telemetry) EventsIngested(received, accepted int) {
	if t == nil {
		return
	}
	t.eventsIngested.WithLabelValues("accepted").Add(float64(accepted))
	if dup := received - accepted; dup > 0 {
		t.eventsIngested.WithLabelValues("duplicate").Add(float64(dup))
	}
}

func (t *Telemetry) WebhookReceived(provider, outcome string) {
	if t == nil {
		return
	}
	t.webhooksReceived.WithLabelValues(provider, outcome).Inc()
}

func (t *Telemetry) InboxOutcome(provider, status string) {
	if t == nil {
		return
	}
	t.inboxOutcomes.WithLabelValues(provider, status).Inc()
}

func (t *Telemetry) LifecycleTransition(provider, classification string) {
	if t == nil {
		return
	}
	t.lifecycleOutcomes.WithLabelValues(provider, classification).Inc()
}

func (t *Telemetry) SnapshotCache(hit bool) {
	if t == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	t.metricsCacheLookup.WithLabelValues(result).Inc()
}
