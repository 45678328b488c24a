// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// OpMetric is a wrapper around metric objects that helps with tracking counts
// and latencies for "operations", either RPCs handled on behalf of a client
// or chunks of work initiated internally.
//
// OpMetric will create three metric sets:
//   - A CounterVec with the given name, label "result", and any additional labels.
//     Start increments it with "result"="all"; Failed and TooBusy with
//     "failed" and "too_busy".
//   - A SummaryVec with the given name + "_latency". End adds the latency
//     unless a result other than "all" was recorded.
//   - A GaugeVec with the given name + "_pending", the number of operations
//     between Start and End.
//
// Suggested usage:
//
//	op := h.ops.Start("write")
//	defer op.EndWithCbdError(&err)
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric registered with the default registry.
func NewOpMetric(name string, labels ...string) *OpMetric {
	return NewOpMetricWith(prometheus.DefaultRegisterer, name, labels...)
}

// NewOpMetricWith is like NewOpMetric but registers with 'reg'. Tests that
// create several servers in one process use a fresh registry each time.
func NewOpMetricWith(reg prometheus.Registerer, name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	m := &OpMetric{
		name:      name,
		counters:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
	reg.MustRegister(m.counters, m.latencies, m.pending)
	return m
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *latencyMeasurer {
	lm := &latencyMeasurer{opm: m, values: values}
	lm.count("all")
	lm.start = time.Now()
	m.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns how many operations ended with 'result'.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	var value dto.Metric
	if m.counters.WithLabelValues(valuesWithResult...).Write(&value) != nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// Pending returns how many operations are in flight.
func (m *OpMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil {
		return 0
	}
	return int64(value.Gauge.GetValue())
}

// String returns a nice string with latency information.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	return out + fmt.Sprintf(" / %d rejected / %d failed / %d pending",
		m.Count("too_busy", values...), m.Count("failed", values...), m.Pending(values...))
}

// Strings returns a map with results from String, for an OpMetric with a
// single label.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// latencyMeasurer is an internal type to enable some syntactic sugar.
type latencyMeasurer struct {
	start  time.Time
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (lm *latencyMeasurer) Failed() {
	lm.Result("failed")
}

// TooBusy records that the operation was rejected as the server is too busy.
func (lm *latencyMeasurer) TooBusy() {
	lm.Result("too_busy")
}

// Result records an arbitrary result. Latency is not recorded for it.
func (lm *latencyMeasurer) Result(result string) {
	lm.start = time.Time{}
	lm.count(result)
}

func (lm *latencyMeasurer) count(result string) {
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since the latencyMeasurer was created.
func (lm *latencyMeasurer) End() {
	if !lm.start.IsZero() {
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(time.Since(lm.start).Seconds())
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithCbdError records a failure unless *err is core.NoError, then ends
// the operation. TooBusy is recorded for core.ErrTooBusy.
func (lm *latencyMeasurer) EndWithCbdError(err *core.Error) {
	switch *err {
	case core.NoError:
	case core.ErrTooBusy:
		lm.TooBusy()
	default:
		lm.Failed()
	}
	lm.End()
}

// SummaryString formats the quantiles of a summary on one line.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}
