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

// Package taints classifies node taints into "protected" (owned by the
// cluster or another controller, never touched) and "custom" (eligible
// for capture and restoration). The classifier is pure: no I/O, no clocks.
package taints

import (
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// criticalAddonsOnlyKey is matched exactly, not as a prefix.
const criticalAddonsOnlyKey = "CriticalAddonsOnly"

// protectedPrefixes are never eligible for preservation regardless of
// configuration.
var protectedPrefixes = []string{
	"node.kubernetes.io/",
	"node.cloudprovider.kubernetes.io/",
	"node-role.kubernetes.io/",
}

// IsProtected reports whether key identifies a taint the controller must
// never capture or restore, given the operator-configured extra prefixes.
func IsProtected(key string, extraPrefixes []string) bool {
	if key == criticalAddonsOnlyKey {
		return true
	}
	for _, p := range protectedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	for _, p := range extraPrefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Custom returns the subset of all that is eligible for preservation,
// preserving observed order.
func Custom(all []corev1.Taint, extraPrefixes []string) []corev1.Taint {
	var out []corev1.Taint
	for _, t := range all {
		if IsProtected(t.Key, extraPrefixes) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// SameKeyed reports whether a and b share a taint key. Value and effect
// are not considered.
func SameKeyed(a, b corev1.Taint) bool {
	return a.Key == b.Key
}

// Equal reports whether a and b are identical in key, value and effect.
func Equal(a, b corev1.Taint) bool {
	return a.Key == b.Key && a.Value == b.Value && a.Effect == b.Effect
}

// KeySet returns the set of keys present in taints.
func KeySet(taints []corev1.Taint) map[string]struct{} {
	set := make(map[string]struct{}, len(taints))
	for _, t := range taints {
		set[t.Key] = struct{}{}
	}
	return set
}

// Missing returns the entries of record whose key is absent from current,
// in record order. Value and effect are not compared: this implements the
// merge-only policy described for taint restoration, where a key already
// present on the node (however it got there) wins over the preserved copy.
func Missing(current, record []corev1.Taint) []corev1.Taint {
	present := KeySet(current)
	var missing []corev1.Taint
	for _, t := range record {
		if _, ok := present[t.Key]; ok {
			continue
		}
		missing = append(missing, t)
	}
	return missing
}
