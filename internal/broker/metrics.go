// Copyright (c) 2026 Ilya Maximets <i.maximets@ovn.org>
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

package broker

import "github.com/prometheus/client_golang/prometheus"

// metrics follows the usual client_golang pattern for a single-process
// daemon: package-level collectors, registered once in init(), updated
// inline by the worker loop (see internal/broker/worker.go).
var (
	peersAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onesocket",
			Name:      "peers_accepted_total",
			Help:      "number of peer connections accepted",
		},
		[]string{"worker"})

	pairsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onesocket",
			Name:      "pairs_completed_total",
			Help:      "number of successful rendezvous completions",
		},
		[]string{"worker"})

	peersEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onesocket",
			Name:      "peers_evicted_total",
			Help:      "number of peers evicted under descriptor pressure",
		},
		[]string{"worker"})

	loopRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onesocket",
			Name:      "loop_restarts_total",
			Help:      "number of times the worker loop restarted after a loop-fatal error",
		},
		[]string{"worker"})

	peersLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "onesocket",
			Name:      "peers_live",
			Help:      "number of currently connected peers",
		},
		[]string{"worker"})
)

func init() {
	prometheus.MustRegister(peersAccepted)
	prometheus.MustRegister(pairsCompleted)
	prometheus.MustRegister(peersEvicted)
	prometheus.MustRegister(loopRestarts)
	prometheus.MustRegister(peersLive)
}
