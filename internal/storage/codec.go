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

// Package storage holds the preserved-taint record codec and the Store
// Adapter that exposes Node/ConfigMap/Event operations as a typed remote
// store with optimistic-concurrency semantics. The codec in this file is
// pure: no I/O, no clocks, exhaustively table-testable.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	recordNamePrefix = "node-taints-"

	// dataKey is the ConfigMap data entry holding the JSON-encoded taint
	// array.
	dataKey = "preserved_taints_json"

	// NodeNameAnnotation records the originating node name on the
	// ConfigMap, for operator debugging and reverse lookup.
	NodeNameAnnotation = "nodetaintpreserver.example.com/node-name"
)

// ErrMalformedRecord is returned by DecodeRecord when the ConfigMap does
// not hold a well-formed PreservedRecord. Callers treat it as "no record
// present", not as a retryable failure.
var ErrMalformedRecord = errors.New("malformed preserved-taint record")

// PreservedRecord is the captured set of custom taints for one node.
type PreservedRecord struct {
	NodeName string
	Taints   []corev1.Taint
}

// wireTaint is the JSON shape of one taint entry inside the record.
type wireTaint struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Effect string `json:"effect"`
}

// RecordName derives the deterministic ConfigMap name for nodeName. The
// hash bounds name length and avoids characters illegal in a ConfigMap
// name while preserving a one-to-one correspondence with nodeName.
func RecordName(nodeName string) string {
	sum := sha256.Sum256([]byte(nodeName))
	return recordNamePrefix + hex.EncodeToString(sum[:])
}

// EncodeRecord renders record as a ConfigMap in namespace. An empty
// Taints slice encodes as "[]", which is meaningful: it states that a
// Cleanup ran and found nothing to preserve.
func EncodeRecord(namespace string, record PreservedRecord) *corev1.ConfigMap {
	wire := make([]wireTaint, 0, len(record.Taints))
	for _, t := range record.Taints {
		wire = append(wire, wireTaint{Key: t.Key, Value: t.Value, Effect: string(t.Effect)})
	}
	data, _ := json.Marshal(wire)

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      RecordName(record.NodeName),
			Namespace: namespace,
			Annotations: map[string]string{
				NodeNameAnnotation: record.NodeName,
			},
		},
		Data: map[string]string{
			dataKey: string(data),
		},
	}
}

// DecodeRecord parses a PreservedRecord out of cm. It returns
// ErrMalformedRecord (wrapped) when the data key is absent, the JSON
// fails to parse, or any entry has a missing/empty key or an effect
// outside the three allowed values.
func DecodeRecord(cm *corev1.ConfigMap) (PreservedRecord, error) {
	raw, ok := cm.Data[dataKey]
	if !ok {
		return PreservedRecord{}, ErrMalformedRecord
	}

	var wire []wireTaint
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return PreservedRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	taints := make([]corev1.Taint, 0, len(wire))
	for _, w := range wire {
		if w.Key == "" {
			return PreservedRecord{}, ErrMalformedRecord
		}
		effect := corev1.TaintEffect(w.Effect)
		switch effect {
		case corev1.TaintEffectNoSchedule, corev1.TaintEffectPreferNoSchedule, corev1.TaintEffectNoExecute:
		default:
			return PreservedRecord{}, ErrMalformedRecord
		}
		taints = append(taints, corev1.Taint{Key: w.Key, Value: w.Value, Effect: effect})
	}

	return PreservedRecord{
		NodeName: cm.Annotations[NodeNameAnnotation],
		Taints:   taints,
	}, nil
}
