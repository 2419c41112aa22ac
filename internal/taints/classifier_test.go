package taints

import (
	"reflect"
	"testing"

	corev1 "k8s.io/api/core/v1"
)

func TestIsProtected(t *testing.T) {
	tests := []struct {
		name          string
		key           string
		extraPrefixes []string
		want          bool
	}{
		{name: "exact critical addons", key: "CriticalAddonsOnly", want: true},
		{name: "node.kubernetes.io prefix", key: "node.kubernetes.io/unreachable", want: true},
		{name: "cloudprovider prefix", key: "node.cloudprovider.kubernetes.io/shutdown", want: true},
		{name: "node-role prefix", key: "node-role.kubernetes.io/control-plane", want: true},
		{name: "custom key", key: "gpu", want: false},
		{name: "extra prefix matches", key: "myorg.com/special", extraPrefixes: []string{"myorg.com/"}, want: true},
		{name: "extra prefix does not match", key: "otherorg.com/special", extraPrefixes: []string{"myorg.com/"}, want: false},
		{name: "empty extra prefix entries ignored", key: "gpu", extraPrefixes: []string{"", "myorg.com/"}, want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := IsProtected(test.key, test.extraPrefixes)
			if got != test.want {
				t.Errorf("IsProtected(%q, %v) = %v, want %v", test.key, test.extraPrefixes, got, test.want)
			}
		})
	}
}

func TestIsProtected_Totality(t *testing.T) {
	// Every taint is either custom or protected, never both: classifier
	// totality as a property, not just example cases.
	keys := []string{
		"CriticalAddonsOnly",
		"node.kubernetes.io/unreachable",
		"node.cloudprovider.kubernetes.io/shutdown",
		"node-role.kubernetes.io/control-plane",
		"gpu",
		"myorg.com/special",
		"",
	}
	extra := []string{"myorg.com/"}
	for _, k := range keys {
		protected := IsProtected(k, extra)
		custom := !protected
		if protected == custom {
			continue
		}
		t.Fatalf("key %q is neither exclusively protected nor exclusively custom", k)
	}
}

func TestCustom(t *testing.T) {
	all := []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		{Key: "node.kubernetes.io/unreachable", Effect: corev1.TaintEffectNoExecute},
		{Key: "node-role.kubernetes.io/control-plane", Effect: corev1.TaintEffectNoSchedule},
		{Key: "myorg.com/special", Effect: corev1.TaintEffectNoSchedule},
	}

	tests := []struct {
		name          string
		extraPrefixes []string
		want          []corev1.Taint
	}{
		{
			name: "protected taints filtered",
			want: []corev1.Taint{
				{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
				{Key: "myorg.com/special", Effect: corev1.TaintEffectNoSchedule},
			},
		},
		{
			name:          "extra prefixes also filtered",
			extraPrefixes: []string{"myorg.com/"},
			want: []corev1.Taint{
				{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Custom(all, test.extraPrefixes)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("Custom() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestCustom_EmptyInputYieldsEmptyOutput(t *testing.T) {
	got := Custom(nil, nil)
	if len(got) != 0 {
		t.Errorf("Custom(nil, nil) = %v, want empty", got)
	}
}

func TestEqualAndSameKeyed(t *testing.T) {
	a := corev1.Taint{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule}
	b := corev1.Taint{Key: "gpu", Value: "false", Effect: corev1.TaintEffectPreferNoSchedule}
	c := corev1.Taint{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule}

	if !SameKeyed(a, b) {
		t.Error("expected a and b to be same-keyed")
	}
	if Equal(a, b) {
		t.Error("expected a and b not to be fully equal")
	}
	if !Equal(a, c) {
		t.Error("expected a and c to be fully equal")
	}
}

func TestMissing(t *testing.T) {
	tests := []struct {
		name    string
		current []corev1.Taint
		record  []corev1.Taint
		want    []corev1.Taint
	}{
		{
			name:    "key already present wins regardless of value",
			current: []corev1.Taint{{Key: "gpu", Value: "false", Effect: corev1.TaintEffectPreferNoSchedule}},
			record:  []corev1.Taint{{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule}},
			want:    nil,
		},
		{
			name:    "missing key restored",
			current: nil,
			record:  []corev1.Taint{{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule}},
			want:    []corev1.Taint{{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule}},
		},
		{
			name: "preserves record order",
			record: []corev1.Taint{
				{Key: "a"}, {Key: "b"}, {Key: "c"},
			},
			want: []corev1.Taint{
				{Key: "a"}, {Key: "b"}, {Key: "c"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Missing(test.current, test.record)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("Missing() = %v, want %v", got, test.want)
			}
		})
	}
}
