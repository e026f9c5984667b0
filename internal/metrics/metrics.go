// Package metrics defines the prometheus collectors for resource
// coordination and persistence reconciliation.
package metrics

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status label values.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Save outcome label values.
const (
	SaveWritten    = "written"
	SaveUnchanged  = "unchanged"
	SaveDropped    = "dropped"
	SaveSuperseded = "superseded"
	SaveFailed     = "failed"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ResourcesStarted  prometheus.Counter
	ResourcesDisposed *prometheus.CounterVec
	Saves             *prometheus.CounterVec
	FacetWrites       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqltrainer_coordinator_operations_total",
			Help: "Cumulative number of coordinated operations by kind and status.",
		}, []string{"op", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqltrainer_coordinator_operation_duration_seconds",
			Help:    "Time spent in coordinated operations, including lock wait.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		ResourcesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqltrainer_coordinator_resources_started_total",
			Help: "Cumulative number of execution resources created.",
		}),
		ResourcesDisposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqltrainer_coordinator_resources_disposed_total",
			Help: "Cumulative number of execution resources disposed, by reason.",
		}, []string{"reason"}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqltrainer_reconciler_saves_total",
			Help: "Cumulative number of save requests by outcome.",
		}, []string{"outcome"}),
		FacetWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqltrainer_reconciler_facet_writes_total",
			Help: "Cumulative number of facet writes to the record store.",
		}, []string{"facet"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Operations,
			m.OperationDuration,
			m.ResourcesStarted,
			m.ResourcesDisposed,
			m.Saves,
			m.FacetWrites,
		)
	}
	return m
}

// ObserveOperation records one coordinated operation.
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := Ok
	if err != nil {
		status = Fail
	}
	m.Operations.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ResourceStarted records a resource creation.
func (m *Metrics) ResourceStarted() {
	if m == nil {
		return
	}
	m.ResourcesStarted.Inc()
}

// ResourceDisposed records a resource disposal.
func (m *Metrics) ResourceDisposed(reason string) {
	if m == nil {
		return
	}
	m.ResourcesDisposed.WithLabelValues(reason).Inc()
}

// SaveOutcome records how a save request was resolved.
func (m *Metrics) SaveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(outcome).Inc()
}

// FacetWritten records one facet write.
func (m *Metrics) FacetWritten(facet string) {
	if m == nil {
		return
	}
	m.FacetWrites.WithLabelValues(facet).Inc()
}

// Sample is one gathered counter or histogram count.
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

// Gather flattens the sqltrainer metrics of g into samples sorted by name.
// Histograms contribute their sample count.
func Gather(g prometheus.Gatherer) ([]Sample, error) {
	if g == nil {
		return nil, errors.New("no gatherer")
	}
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}

	var samples []Sample
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "sqltrainer_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			pairs := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
			}
			s := Sample{Name: mf.GetName(), Labels: strings.Join(pairs, ",")}
			switch {
			case metric.GetCounter() != nil:
				s.Value = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				s.Value = float64(metric.GetHistogram().GetSampleCount())
			case metric.GetGauge() != nil:
				s.Value = metric.GetGauge().GetValue()
			}
			samples = append(samples, s)
		}
	}

	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Labels < samples[j].Labels
	})
	return samples, nil
}
