// Copyright 2025 Flux Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine and coordinator collectors.
type Metrics struct {
	// RunsStarted counts runs that left pending.
	RunsStarted prometheus.Counter

	// RunsEnded counts terminal transitions, labeled by final status.
	RunsEnded *prometheus.CounterVec

	// ExecutionsDispatched counts remote processes created.
	ExecutionsDispatched prometheus.Counter

	// CallbackDuration tracks process-callback handling time.
	CallbackDuration prometheus.Histogram

	// SchedulerErrors counts failed scheduler client calls.
	SchedulerErrors prometheus.Counter
}

// New creates and registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flux",
			Name:      "runs_started_total",
			Help:      "Number of runs that started executing.",
		}),
		RunsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flux",
			Name:      "runs_ended_total",
			Help:      "Number of runs that reached a terminal status.",
		}, []string{"status"}),
		ExecutionsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flux",
			Name:      "executions_dispatched_total",
			Help:      "Number of remote processes created for step executions.",
		}),
		CallbackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flux",
			Name:      "callback_duration_seconds",
			Help:      "Time spent handling process callbacks.",
			Buckets:   prometheus.DefBuckets,
		}),
		SchedulerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flux",
			Name:      "scheduler_errors_total",
			Help:      "Number of failed scheduler client calls.",
		}),
	}

	reg.MustRegister(m.RunsStarted, m.RunsEnded, m.ExecutionsDispatched, m.CallbackDuration, m.SchedulerErrors)
	return m
}
