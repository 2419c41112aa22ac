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

// Package config loads the controller's runtime configuration from
// environment variables, read once at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the environment-derived settings for the reconciler and
// scheduler.
type Config struct {
	// ConfigMapNamespace is where PreservedRecord ConfigMaps live.
	ConfigMapNamespace string
	// ExtraProtectedPrefixes are operator-configured taint-key prefixes
	// that are never captured or restored, in addition to the built-in
	// protected set.
	ExtraProtectedPrefixes []string
	// CleanupTimeout bounds how long the controller waits for a
	// successful Cleanup before force-removing its finalizer.
	CleanupTimeout time.Duration
	// ResyncInterval is how often the scheduler relists all nodes to
	// recover from missed watch events.
	ResyncInterval time.Duration
	// Workers is the size of the scheduler's worker pool.
	Workers int
}

// FromEnv reads Config from the process environment, falling back to the
// spec's documented defaults for anything unset or unparsable.
func FromEnv() Config {
	return Config{
		ConfigMapNamespace:     getEnv("CONFIGMAP_NAMESPACE", "default"),
		ExtraProtectedPrefixes: parseExtraPrefixes(os.Getenv("EXTRA_PROTECTED_TAINT_PREFIXES")),
		CleanupTimeout:         getEnvDuration("CLEANUP_TIMEOUT", time.Hour),
		ResyncInterval:         getEnvDuration("RESYNC_INTERVAL", 10*time.Minute),
		Workers:                getEnvInt("WORKER_COUNT", 4),
	}
}

func parseExtraPrefixes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
