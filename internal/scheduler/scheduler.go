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

// Package scheduler owns the dedup queue, the worker pool, and the
// jittered-exponential backoff policy that turn Node watch events into
// bounded, fairly-dispatched calls into the Reconciler.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/norseto/node-taint-preserver/internal/metrics"
	"github.com/norseto/node-taint-preserver/internal/reconciler"
)

// Reconciler is the subset of reconciler.Reconciler the Scheduler depends
// on, so tests can substitute a stub.
type Reconciler interface {
	Reconcile(ctx context.Context, nodeName string) reconciler.Result
}

const (
	// baseBackoff is the first retry delay after a failure.
	baseBackoff = 1 * time.Second
	// maxBackoff caps the exponential growth.
	maxBackoff = 60 * time.Second
	// backoffFactor is the exponential growth multiplier per retry.
	backoffFactor = 2.0
	// jitterFraction is the +/- fraction of randomization applied to
	// each computed backoff.
	jitterFraction = 0.2

	// DefaultResyncInterval periodically re-enqueues every known node,
	// defending against missed or coalesced watch events.
	DefaultResyncInterval = 10 * time.Minute
)

// jitteredBackoff implements workqueue.TypedRateLimiter with exponential
// backoff (base 1s, factor 2, cap 60s) randomized by +/-20% so that a
// thundering herd of simultaneously failing nodes does not retry in
// lockstep.
type jitteredBackoff struct {
	mu       sync.Mutex
	failures map[string]int
	rand     *rand.Rand
}

func newJitteredBackoff() *jitteredBackoff {
	return &jitteredBackoff{
		failures: map[string]int{},
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *jitteredBackoff) When(item string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.failures[item]
	b.failures[item] = n + 1

	delay := float64(baseBackoff)
	for i := 0; i < n; i++ {
		delay *= backoffFactor
		if delay >= float64(maxBackoff) {
			delay = float64(maxBackoff)
			break
		}
	}

	jitter := 1 + (b.rand.Float64()*2-1)*jitterFraction
	d := time.Duration(delay * jitter)
	if d > maxBackoff {
		d = maxBackoff
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (b *jitteredBackoff) Forget(item string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, item)
}

func (b *jitteredBackoff) NumRequeues(item string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[item]
}

// NodeLister enumerates the node names the Scheduler should resync
// periodically.
type NodeLister interface {
	ListNodeNames(ctx context.Context) ([]string, error)
}

// Scheduler dedups enqueued node names, dispatches them across a bounded
// worker pool, and applies jittered exponential backoff to failures. It
// implements manager.Runnable so controller-runtime can own its lifecycle.
type Scheduler struct {
	Reconciler Reconciler
	Workers    int
	Resync     time.Duration
	Lister     NodeLister

	queue workqueue.TypedRateLimitingInterface[string]
}

// New builds a Scheduler with its rate-limited dedup queue. Workers
// defaults to 1 if non-positive; Resync defaults to DefaultResyncInterval
// if non-positive.
func New(r Reconciler, workers int, resync time.Duration, lister NodeLister) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if resync <= 0 {
		resync = DefaultResyncInterval
	}
	return &Scheduler{
		Reconciler: r,
		Workers:    workers,
		Resync:     resync,
		Lister:     lister,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			newJitteredBackoff(),
			workqueue.TypedRateLimitingQueueConfig[string]{Name: "node-taint-preserver"},
		),
	}
}

// Enqueue schedules nodeName for reconciliation. Repeated enqueues of the
// same name while it is already pending collapse into a single pass; any
// enqueues while it is being processed collapse into one further pass that
// runs after the current one finishes, per the workqueue's own dedup
// semantics.
func (s *Scheduler) Enqueue(nodeName string) {
	s.queue.Add(nodeName)
}

// Start runs the worker pool and the periodic resync loop until ctx is
// canceled, then drains gracefully: ShutDown stops accepting new work and
// lets in-flight workers finish their current item before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("scheduler")

	var wg sync.WaitGroup
	for i := 0; i < s.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runWorker(ctx)
		}()
	}

	if s.Lister != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runResyncLoop(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down, draining in-flight work")
	s.queue.ShutDown()
	wg.Wait()
	return nil
}

func (s *Scheduler) runWorker(ctx context.Context) {
	for s.processNextItem(ctx) {
	}
}

func (s *Scheduler) processNextItem(ctx context.Context) bool {
	nodeName, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(nodeName)

	result := s.Reconciler.Reconcile(ctx, nodeName)
	switch result.Outcome {
	case reconciler.OutcomeDone:
		s.queue.Forget(nodeName)
	case reconciler.OutcomeRequeue:
		s.queue.Forget(nodeName)
		s.queue.AddAfter(nodeName, result.After)
	case reconciler.OutcomeFail:
		metrics.ErrorsTotal.WithLabelValues("reconcile", result.Reason).Inc()
		s.queue.AddRateLimited(nodeName)
	}
	return true
}

func (s *Scheduler) runResyncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.resyncOnce(ctx)
		}
	}
}

func (s *Scheduler) resyncOnce(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("scheduler")
	names, err := s.Lister.ListNodeNames(ctx)
	if err != nil {
		logger.Error(err, "resync: failed to list nodes")
		return
	}
	for _, name := range names {
		s.Enqueue(name)
	}
}
