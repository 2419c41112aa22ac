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

package controller

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
)

// Enqueuer is the Work Scheduler's enqueue side, as seen by the watch
// wiring. Keeping this as a narrow interface lets tests substitute a
// recording fake instead of a live Scheduler.
type Enqueuer interface {
	Enqueue(nodeName string)
}

//+kubebuilder:rbac:groups="",resources=nodes,verbs=get;list;watch;patch
//+kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// NodeReconciler is a thin controller-runtime Reconciler whose entire job
// is to forward every Node event to the Work Scheduler. It never talks to
// the cluster itself and never returns an error that would drive
// controller-runtime's own rate limiter: all retry policy lives in the
// Scheduler so there is exactly one backoff implementation in the process.
type NodeReconciler struct {
	client.Client
	Scheme    *runtime.Scheme
	Scheduler Enqueuer
}

// Reconcile forwards the node name to the Scheduler and returns
// immediately. The actual Apply/Cleanup work happens asynchronously on the
// Scheduler's own worker pool.
func (r *NodeReconciler) Reconcile(_ context.Context, req ctrl.Request) (ctrl.Result, error) {
	r.Scheduler.Enqueue(req.Name)
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager, watching Node
// create/update/delete events. ResourceVersionChangedPredicate drops the
// no-op reconciles controller-runtime would otherwise schedule for cache
// resyncs that didn't actually change anything.
func (r *NodeReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Node{}).
		WithEventFilter(predicate.ResourceVersionChangedPredicate{}).
		Complete(r)
}

// nodeLister adapts a controller-runtime client into the scheduler's
// NodeLister, used by the periodic resync loop.
type nodeLister struct {
	client client.Client
}

// NewNodeLister builds a scheduler.NodeLister backed by c.
func NewNodeLister(c client.Client) *nodeLister {
	return &nodeLister{client: c}
}

func (l *nodeLister) ListNodeNames(ctx context.Context) ([]string, error) {
	list := &corev1.NodeList{}
	if err := l.client.List(ctx, list); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list.Items))
	for _, n := range list.Items {
		names = append(names, n.Name)
	}
	return names, nil
}
