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

// Package reconciler implements the finalizer-guarded state machine that
// turns node lifecycle events into the two idempotent actions, Apply and
// Cleanup, that preserve custom taints across node recreation.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/norseto/node-taint-preserver/internal/errs"
	"github.com/norseto/node-taint-preserver/internal/metrics"
	"github.com/norseto/node-taint-preserver/internal/storage"
	"github.com/norseto/node-taint-preserver/internal/taints"
)

const (
	// FinalizerName is the exact, never-to-change finalizer token whose
	// presence on a Node is the sole external signal that cleanup is
	// pending.
	FinalizerName = "nodetaintpreserver.example.com/taint-preservation"

	// RestoredAnnotation holds the incarnation token last acted on by
	// Apply.
	RestoredAnnotation = "nodetaintpreserver.example.com/restored"

	// CleanupStartedAtAnnotation holds the RFC3339 timestamp of the first
	// cleanup attempt for the current deletion.
	CleanupStartedAtAnnotation = "nodetaintpreserver.example.com/cleanup-started-at"
)

// Event reasons emitted on the Node.
const (
	ReasonTaintsRestored    = "TaintsRestored"
	ReasonNoTaintsToRestore = "NoTaintsToRestore"
	ReasonCleanupTimedOut   = "CleanupTimedOut"
)

// defaultCleanupTimeout is the wall-clock budget Cleanup gets before the
// finalizer is force-removed.
const defaultCleanupTimeout = time.Hour

// maxRestoredKeysInEvent bounds how many taint keys are named in the
// TaintsRestored event message before collapsing into "...(+N more)".
const maxRestoredKeysInEvent = 5

// Outcome is the disposition the Scheduler acts on after a reconcile.
type Outcome int

const (
	// OutcomeDone means no further work for this key until the next
	// watch event.
	OutcomeDone Outcome = iota
	// OutcomeRequeue means reschedule this key after Result.After.
	OutcomeRequeue
	// OutcomeFail means increment the error counter; the Scheduler
	// applies backoff.
	OutcomeFail
)

// Result is returned by Reconcile.
type Result struct {
	Outcome Outcome
	After   time.Duration
	Reason  string
}

// Done reports no further work is needed for this key right now.
func Done() Result { return Result{Outcome: OutcomeDone} }

// RequeueAfter reschedules this key after d.
func RequeueAfter(d time.Duration) Result { return Result{Outcome: OutcomeRequeue, After: d} }

// Fail reports a reconciliation failure with reason, for the Scheduler's
// backoff policy and the errors_total counter.
func Fail(reason string) Result { return Result{Outcome: OutcomeFail, Reason: reason} }

// Reconciler is the state machine described by the spec: it classifies a
// node's current state into NewOrUpdated, Deleting or Gone, and dispatches
// to Apply or Cleanup.
type Reconciler struct {
	Store storage.Store

	// ExtraProtectedPrefixes are passed through to the Taint Classifier.
	ExtraProtectedPrefixes []string

	// CleanupTimeout overrides the default 1h cleanup wall-clock budget;
	// zero means use the default.
	CleanupTimeout time.Duration

	// Now is overridable for deterministic tests; nil means time.Now.
	Now func() time.Time
}

// Reconcile is the single entry point, keyed by node name.
func (r *Reconciler) Reconcile(ctx context.Context, nodeName string) Result {
	node, err := r.Store.GetNode(ctx, nodeName)
	if err != nil {
		if errs.IsPermanent(err) {
			// NotFound (or any other permanent-for-this-cycle reason):
			// nothing to do until the node reappears.
			return Done()
		}
		return Fail("get-node")
	}

	if node.DeletionTimestamp == nil || node.DeletionTimestamp.IsZero() {
		return r.apply(ctx, node)
	}
	return r.cleanup(ctx, node)
}

func (r *Reconciler) apply(ctx context.Context, node *corev1.Node) Result {
	logger := log.FromContext(ctx).WithValues("node", node.Name, "phase", "apply")

	if !hasFinalizer(node, FinalizerName) {
		finalizers := append(append([]string{}, node.Finalizers...), FinalizerName)
		_, err := r.Store.PatchNodeSpec(ctx, node.Name, node.ResourceVersion, node.Spec.Taints, finalizers, nil)
		if err != nil {
			if errs.IsTransient(err) {
				return RequeueAfter(0)
			}
			logger.Error(err, "failed to add finalizer")
			return Fail("add-finalizer")
		}
		// The node's resourceVersion just changed; re-observe before
		// doing any restoration work against it.
		return RequeueAfter(0)
	}

	token := incarnationToken(node)
	if restored, ok := node.Annotations[RestoredAnnotation]; ok && restored == token {
		// Only a confirmed record-absent (NotFound/MalformedRecord) means
		// "there was nothing to restore" — a transient store blip here
		// must not be misreported as that outcome.
		if _, err := r.Store.GetRecord(ctx, node.Name); err != nil && errs.IsPermanent(err) {
			r.Store.EmitEvent(node.Name, ReasonNoTaintsToRestore,
				"no preserved-taint record found for this node", corev1.EventTypeNormal)
		}
		return Done()
	}

	record, err := r.Store.GetRecord(ctx, node.Name)
	if err != nil {
		if errs.IsTransient(err) {
			return RequeueAfter(0)
		}
		r.Store.EmitEvent(node.Name, ReasonNoTaintsToRestore,
			"no usable preserved-taint record found for this node", corev1.EventTypeNormal)
		return r.markRestored(ctx, logger, node, token)
	}

	missing := taints.Missing(node.Spec.Taints, record.Taints)
	if len(missing) == 0 {
		result := r.markRestored(ctx, logger, node, token)
		if result.Outcome == OutcomeDone {
			r.Store.EmitEvent(node.Name, ReasonNoTaintsToRestore,
				"node already carries every preserved taint", corev1.EventTypeNormal)
		}
		return result
	}

	newTaints := append(append([]corev1.Taint{}, node.Spec.Taints...), missing...)
	_, err = r.Store.PatchNodeSpec(ctx, node.Name, node.ResourceVersion, newTaints, node.Finalizers,
		map[string]string{RestoredAnnotation: token})
	if err != nil {
		if errs.IsTransient(err) {
			return RequeueAfter(0)
		}
		logger.Error(err, "failed to restore taints")
		return Fail("restore-taints")
	}

	for _, t := range missing {
		metrics.TaintsRestoredTotal.WithLabelValues(node.Name, t.Key).Inc()
	}
	r.Store.EmitEvent(node.Name, ReasonTaintsRestored, restoredEventMessage(missing), corev1.EventTypeNormal)
	return Done()
}

func (r *Reconciler) markRestored(ctx context.Context, logger logr.Logger, node *corev1.Node, token string) Result {
	_, err := r.Store.PatchNodeSpec(ctx, node.Name, node.ResourceVersion, node.Spec.Taints, node.Finalizers,
		map[string]string{RestoredAnnotation: token})
	if err != nil {
		if errs.IsTransient(err) {
			return RequeueAfter(0)
		}
		logger.Error(err, "failed to mark node as restored")
		return Fail("mark-restored")
	}
	return Done()
}

func (r *Reconciler) cleanup(ctx context.Context, node *corev1.Node) Result {
	logger := log.FromContext(ctx).WithValues("node", node.Name, "phase", "cleanup")

	if !hasFinalizer(node, FinalizerName) {
		return Done()
	}

	firstAttempt, ok := node.Annotations[CleanupStartedAtAnnotation]
	if !ok {
		now := r.now().UTC().Format(time.RFC3339)
		patched, err := r.Store.PatchNodeSpec(ctx, node.Name, node.ResourceVersion, node.Spec.Taints, node.Finalizers,
			map[string]string{CleanupStartedAtAnnotation: now})
		switch {
		case err == nil:
			// Reuse the patch response rather than the pre-patch node: its
			// resourceVersion just changed, and every patch for the rest of
			// this cleanup call must be conditioned on the current value.
			node = patched
			firstAttempt = now
		case errs.Reason(err) == "conflict":
			// A concurrent pass may have already written the
			// annotation; re-read and treat as success.
			refreshed, getErr := r.Store.GetNode(ctx, node.Name)
			if getErr != nil {
				if errs.IsTransient(getErr) {
					return RequeueAfter(0)
				}
				return Fail("reread-after-conflict")
			}
			node = refreshed
			if v, ok := node.Annotations[CleanupStartedAtAnnotation]; ok {
				firstAttempt = v
			} else {
				firstAttempt = now
			}
		case errs.IsTransient(err):
			return RequeueAfter(0)
		default:
			logger.Error(err, "failed to mark cleanup start")
			return Fail("mark-cleanup-start")
		}
	}

	started, err := time.Parse(time.RFC3339, firstAttempt)
	if err != nil {
		started = r.now()
	}

	if r.now().Sub(started) > r.cleanupTimeout() {
		logger.Error(errs.Timeout("cleanup-timeout", nil),
			"cleanup exceeded its time budget; forcing finalizer removal without a confirmed taint capture")

		finalizers := removeString(node.Finalizers, FinalizerName)
		if _, err := r.Store.PatchNodeSpec(ctx, node.Name, node.ResourceVersion, node.Spec.Taints, finalizers, nil); err != nil {
			logger.Error(err, "failed to force-remove finalizer after cleanup timeout")
		}
		r.Store.EmitEvent(node.Name, ReasonCleanupTimedOut,
			"cleanup exceeded its time budget; finalizer removed without a confirmed taint capture",
			corev1.EventTypeWarning)
		metrics.ErrorsTotal.WithLabelValues("cleanup", "timeout").Inc()
		return Done()
	}

	custom := taints.Custom(node.Spec.Taints, r.ExtraProtectedPrefixes)
	record := storage.PreservedRecord{NodeName: node.Name, Taints: custom}
	if err := r.Store.PutRecord(ctx, record); err != nil {
		logger.Error(err, "failed to persist preserved-taint record")
		return Fail("put-record")
	}

	finalizers := removeString(node.Finalizers, FinalizerName)
	if _, err := r.Store.PatchNodeSpec(ctx, node.Name, node.ResourceVersion, node.Spec.Taints, finalizers, nil); err != nil {
		if errs.IsTransient(err) {
			return RequeueAfter(0)
		}
		logger.Error(err, "failed to remove finalizer after cleanup")
		return Fail("remove-finalizer")
	}

	metrics.NodesReconciledTotal.WithLabelValues("cleanup").Inc()
	return Done()
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) cleanupTimeout() time.Duration {
	if r.CleanupTimeout > 0 {
		return r.CleanupTimeout
	}
	return defaultCleanupTimeout
}

// incarnationToken identifies a particular lifecycle instance of a named
// node object. UID is stable across updates to the same object and
// changes across re-creation; it is the primary source. The hash fallback
// only applies to objects somehow lacking a UID.
func incarnationToken(node *corev1.Node) string {
	if node.UID != "" {
		return string(node.UID)
	}
	sum := sha256.Sum256([]byte(node.CreationTimestamp.String() + "|" + node.Name))
	return hex.EncodeToString(sum[:])
}

func hasFinalizer(node *corev1.Node, name string) bool {
	for _, f := range node.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}

func removeString(items []string, target string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == target {
			continue
		}
		out = append(out, it)
	}
	return out
}

func restoredEventMessage(missing []corev1.Taint) string {
	keys := make([]string, 0, len(missing))
	for _, t := range missing {
		keys = append(keys, t.Key)
	}
	if len(keys) > maxRestoredKeysInEvent {
		extra := len(keys) - maxRestoredKeysInEvent
		keys = keys[:maxRestoredKeysInEvent]
		return fmt.Sprintf("restored taints: %s…(+%d more)", strings.Join(keys, ", "), extra)
	}
	return fmt.Sprintf("restored taints: %s", strings.Join(keys, ", "))
}
