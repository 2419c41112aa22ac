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

package storage

import (
	"context"
	"encoding/json"
	"errors"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/norseto/node-taint-preserver/internal/errs"
)

// ErrNotFound is the sentinel wrapped by Permanent errors returned when a
// node or record is absent from the cluster.
var ErrNotFound = errors.New("not found")

// ErrConflict is the sentinel wrapped by Transient errors returned on
// optimistic-concurrency rejection.
var ErrConflict = errors.New("conflict")

// Store is the typed remote store the Reconciler depends on. All mutating
// node operations are conditional on resourceVersion; Conflict is always
// retryable. EmitEvent is best-effort and never fails the reconcile.
type Store interface {
	GetNode(ctx context.Context, name string) (*corev1.Node, error)

	// PatchNodeSpec conditionally patches a node. newTaints and
	// newFinalizers are the complete desired lists (JSON merge patch
	// replaces array fields wholesale); newAnnotations is merged key by
	// key and may be a partial set of additions.
	PatchNodeSpec(ctx context.Context, name, expectedResourceVersion string,
		newTaints []corev1.Taint, newFinalizers []string, newAnnotations map[string]string) (*corev1.Node, error)

	GetRecord(ctx context.Context, nodeName string) (*PreservedRecord, error)

	// PutRecord is a complete overwrite, not a merge: the record left
	// behind exactly reflects what was observed at capture time.
	PutRecord(ctx context.Context, record PreservedRecord) error

	// DeleteRecord is reserved for out-of-band garbage collection; the
	// core reconciler never calls it.
	DeleteRecord(ctx context.Context, nodeName string) error

	EmitEvent(nodeName, reason, message, eventType string)
}

type clientStore struct {
	client    client.Client
	recorder  record.EventRecorder
	namespace string
}

// NewStore builds a Store backed by a controller-runtime client and event
// recorder, storing PreservedRecords as ConfigMaps in namespace.
func NewStore(c client.Client, recorder record.EventRecorder, namespace string) Store {
	return &clientStore{client: c, recorder: recorder, namespace: namespace}
}

func (s *clientStore) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	node := &corev1.Node{}
	if err := s.client.Get(ctx, types.NamespacedName{Name: name}, node); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.Permanent("node-not-found", ErrNotFound)
		}
		return nil, classifyAPIError(err)
	}
	return node, nil
}

func (s *clientStore) PatchNodeSpec(ctx context.Context, name, expectedResourceVersion string,
	newTaints []corev1.Taint, newFinalizers []string, newAnnotations map[string]string) (*corev1.Node, error) {

	metadata := map[string]any{
		"resourceVersion": expectedResourceVersion,
		"finalizers":      newFinalizers,
	}
	if len(newAnnotations) > 0 {
		metadata["annotations"] = newAnnotations
	}
	body := map[string]any{
		"metadata": metadata,
		"spec": map[string]any{
			"taints": newTaints,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Permanent("marshal-patch", err)
	}

	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if err := s.client.Patch(ctx, node, client.RawPatch(types.MergePatchType, data)); err != nil {
		if apierrors.IsConflict(err) {
			return nil, errs.Transient("conflict", ErrConflict)
		}
		if apierrors.IsNotFound(err) {
			return nil, errs.Permanent("node-not-found", ErrNotFound)
		}
		return nil, classifyAPIError(err)
	}
	return node, nil
}

func (s *clientStore) GetRecord(ctx context.Context, nodeName string) (*PreservedRecord, error) {
	cm := &corev1.ConfigMap{}
	key := types.NamespacedName{Name: RecordName(nodeName), Namespace: s.namespace}
	if err := s.client.Get(ctx, key, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.Permanent("record-not-found", ErrNotFound)
		}
		return nil, classifyAPIError(err)
	}

	record, err := DecodeRecord(cm)
	if err != nil {
		return nil, errs.Permanent("malformed-record", err)
	}
	return &record, nil
}

func (s *clientStore) PutRecord(ctx context.Context, record PreservedRecord) error {
	desired := EncodeRecord(s.namespace, record)

	existing := &corev1.ConfigMap{}
	key := types.NamespacedName{Name: desired.Name, Namespace: s.namespace}
	err := s.client.Get(ctx, key, existing)
	switch {
	case apierrors.IsNotFound(err):
		if err := s.client.Create(ctx, desired); err != nil {
			return classifyAPIError(err)
		}
		return nil
	case err != nil:
		return classifyAPIError(err)
	default:
		existing.Data = desired.Data
		existing.Annotations = desired.Annotations
		if err := s.client.Update(ctx, existing); err != nil {
			return classifyAPIError(err)
		}
		return nil
	}
}

func (s *clientStore) DeleteRecord(ctx context.Context, nodeName string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: RecordName(nodeName), Namespace: s.namespace},
	}
	if err := s.client.Delete(ctx, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return errs.Permanent("record-not-found", ErrNotFound)
		}
		return classifyAPIError(err)
	}
	return nil
}

func (s *clientStore) EmitEvent(nodeName, reason, message, eventType string) {
	ref := &corev1.ObjectReference{Kind: "Node", Name: nodeName, APIVersion: "v1"}
	s.recorder.Event(ref, eventType, reason, message)
}

// classifyAPIError maps an apiserver error into the error taxonomy.
// Conflicts and server-side transient failures retry with backoff;
// authorization failures are permanent for this cycle; anything else is
// treated conservatively as transient.
func classifyAPIError(err error) error {
	switch {
	case apierrors.IsConflict(err):
		return errs.Transient("conflict", ErrConflict)
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return errs.Permanent("unauthorized", err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return errs.Transient("server-error", err)
	default:
		return errs.Transient("unknown", err)
	}
}
