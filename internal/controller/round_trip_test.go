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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"

	"github.com/norseto/node-taint-preserver/internal/reconciler"
	"github.com/norseto/node-taint-preserver/internal/storage"
)

// These specs exercise the Reconciler against a real (ephemeral) apiserver
// started by envtest, the same way the teacher's TaintRemoverReconciler
// suite drove its Reconcile against k8sClient rather than a fake.
// NodeReconciler's forwarding and the node lister are covered by
// node_controller_test.go; these specs cover the Apply/Cleanup
// state machine end to end: finalizer lifecycle, record capture, and
// merge-only restoration, all against real Node and ConfigMap objects.
var _ = Describe("Apply/Cleanup round trip", func() {
	const recordNamespace = "default"

	var (
		ctx  context.Context
		rec  *reconciler.Reconciler
		node *corev1.Node
	)

	BeforeEach(func() {
		ctx = context.Background()
		store := storage.NewStore(k8sClient, record.NewFakeRecorder(20), recordNamespace)
		rec = &reconciler.Reconciler{Store: store}
	})

	AfterEach(func() {
		if node != nil {
			_ = k8sClient.Delete(ctx, &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: node.Name}})
		}
	})

	It("captures custom taints on delete and restores them on recreation", func() {
		By("creating a node with one custom and one protected taint")
		node = &corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "round-trip-worker"},
			Spec: corev1.NodeSpec{
				Taints: []corev1.Taint{
					{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
					{Key: "node-role.kubernetes.io/control-plane", Effect: corev1.TaintEffectNoSchedule},
				},
			},
		}
		Expect(k8sClient.Create(ctx, node)).To(Succeed())

		By("reconciling: first pass adds the finalizer")
		result := rec.Reconcile(ctx, node.Name)
		Expect(result.Outcome).To(Equal(reconciler.OutcomeRequeue))

		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: node.Name}, node)).To(Succeed())
		Expect(node.Finalizers).To(ContainElement(reconciler.FinalizerName))

		By("reconciling again: no record yet, node is marked restored as a no-op")
		result = rec.Reconcile(ctx, node.Name)
		Expect(result.Outcome).To(Equal(reconciler.OutcomeDone))

		By("deleting the node")
		Expect(k8sClient.Delete(ctx, node)).To(Succeed())

		By("reconciling: cleanup captures the custom taint and drops the finalizer in one pass")
		result = rec.Reconcile(ctx, node.Name)
		Expect(result.Outcome).To(Equal(reconciler.OutcomeDone))

		Eventually(func() error {
			return k8sClient.Get(ctx, types.NamespacedName{Name: node.Name}, node)
		}, 5*time.Second, 100*time.Millisecond).ShouldNot(Succeed())

		cm := &corev1.ConfigMap{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{
			Name:      storage.RecordName("round-trip-worker"),
			Namespace: recordNamespace,
		}, cm)).To(Succeed())

		record, err := storage.DecodeRecord(cm)
		Expect(err).NotTo(HaveOccurred())
		Expect(record.Taints).To(Equal([]corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		}))

		By("recreating the node with no taints")
		node = &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "round-trip-worker"}}
		Expect(k8sClient.Create(ctx, node)).To(Succeed())

		By("reconciling: first pass adds the finalizer again")
		result = rec.Reconcile(ctx, node.Name)
		Expect(result.Outcome).To(Equal(reconciler.OutcomeRequeue))

		By("reconciling: second pass restores the captured taint")
		result = rec.Reconcile(ctx, node.Name)
		Expect(result.Outcome).To(Equal(reconciler.OutcomeDone))

		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: node.Name}, node)).To(Succeed())
		Expect(node.Spec.Taints).To(ConsistOf(corev1.Taint{
			Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule,
		}))

		By("reconciling a third time: already restored, no further patch")
		resourceVersionBeforeNoop := node.ResourceVersion
		result = rec.Reconcile(ctx, node.Name)
		Expect(result.Outcome).To(Equal(reconciler.OutcomeDone))

		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: node.Name}, node)).To(Succeed())
		Expect(node.ResourceVersion).To(Equal(resourceVersionBeforeNoop))
	})
})
