package config

import (
	"reflect"
	"testing"
	"time"
)

func TestParseExtraPrefixes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "single", raw: "myorg.com/", want: []string{"myorg.com/"}},
		{name: "multiple with spaces", raw: "a/, b/ ,c/", want: []string{"a/", "b/", "c/"}},
		{name: "empty entries discarded", raw: "a/,,  ,b/", want: []string{"a/", "b/"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := parseExtraPrefixes(test.raw)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("parseExtraPrefixes(%q) = %v, want %v", test.raw, got, test.want)
			}
		})
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("CONFIGMAP_NAMESPACE", "")
	t.Setenv("EXTRA_PROTECTED_TAINT_PREFIXES", "")
	t.Setenv("CLEANUP_TIMEOUT", "")
	t.Setenv("RESYNC_INTERVAL", "")
	t.Setenv("WORKER_COUNT", "")

	cfg := FromEnv()

	if cfg.ConfigMapNamespace != "default" {
		t.Errorf("ConfigMapNamespace = %q, want default", cfg.ConfigMapNamespace)
	}
	if cfg.CleanupTimeout != time.Hour {
		t.Errorf("CleanupTimeout = %v, want 1h", cfg.CleanupTimeout)
	}
	if cfg.ResyncInterval != 10*time.Minute {
		t.Errorf("ResyncInterval = %v, want 10m", cfg.ResyncInterval)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CONFIGMAP_NAMESPACE", "kube-system")
	t.Setenv("EXTRA_PROTECTED_TAINT_PREFIXES", "myorg.com/")
	t.Setenv("CLEANUP_TIMEOUT", "30m")
	t.Setenv("RESYNC_INTERVAL", "1m")
	t.Setenv("WORKER_COUNT", "8")

	cfg := FromEnv()

	if cfg.ConfigMapNamespace != "kube-system" {
		t.Errorf("ConfigMapNamespace = %q, want kube-system", cfg.ConfigMapNamespace)
	}
	if !reflect.DeepEqual(cfg.ExtraProtectedPrefixes, []string{"myorg.com/"}) {
		t.Errorf("ExtraProtectedPrefixes = %v", cfg.ExtraProtectedPrefixes)
	}
	if cfg.CleanupTimeout != 30*time.Minute {
		t.Errorf("CleanupTimeout = %v, want 30m", cfg.CleanupTimeout)
	}
	if cfg.ResyncInterval != time.Minute {
		t.Errorf("ResyncInterval = %v, want 1m", cfg.ResyncInterval)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
}

func TestGetEnvInt_InvalidFallsBackToDefault(t *testing.T) {
	t.Setenv("WORKER_COUNT", "not-a-number")
	cfg := FromEnv()
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want default 4 on parse failure", cfg.Workers)
	}
}
