/*
MIT License

Copyright (c) 2023-2025 Norihiro Seto

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package metrics registers the counters the core emits into the manager's
// existing Prometheus registry, the same registry controller-runtime
// already exposes over the metrics server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// TaintsRestoredTotal counts individual taints restored onto
	// recreated nodes, by node and taint key.
	TaintsRestoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taints_restored_total",
		Help: "Number of individual taints restored onto recreated nodes.",
	}, []string{"node", "key"})

	// NodesReconciledTotal counts completed reconciliations by phase. The
	// reconciler increments it only for completed cleanups
	// (phase "cleanup"); Apply does not touch it.
	NodesReconciledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodes_reconciled_total",
		Help: "Number of completed node reconciliations, by phase.",
	}, []string{"phase"})

	// ErrorsTotal counts reconciliation errors by kind and reason.
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Number of reconciliation errors, by kind and reason.",
	}, []string{"kind", "reason"})
)

func init() {
	crmetrics.Registry.MustRegister(TaintsRestoredTotal, NodesReconciledTotal, ErrorsTotal)
}
