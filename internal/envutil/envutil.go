// Package envutil builds child process environments.
package envutil

import (
	"os"
	"sort"
	"strings"
)

// Inherited returns the current process environment as a map.
func Inherited() map[string]string {
	return Parse(os.Environ())
}

// Parse converts KEY=VALUE pairs into a map. Malformed entries are
// skipped.
func Parse(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// Minimal returns a minimal safe environment for restricted spawns.
func Minimal() map[string]string {
	return map[string]string{
		"PATH":   "/usr/bin:/bin",
		"LANG":   "C.UTF-8",
		"LC_ALL": "C.UTF-8",
		"HOME":   "/tmp",
		"USER":   "nobody",
	}
}

// Merge layers override maps over a base environment. Later maps take
// precedence; inputs are never modified.
func Merge(base map[string]string, overrides ...map[string]string) map[string]string {
	size := len(base)
	for _, override := range overrides {
		size += len(override)
	}
	result := make(map[string]string, size)
	for k, v := range base {
		result[k] = v
	}
	for _, override := range overrides {
		for k, v := range override {
			result[k] = v
		}
	}
	return result
}

// ToList renders an environment as sorted KEY=VALUE pairs for os/exec.
func ToList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, len(keys))
	for i, k := range keys {
		list[i] = k + "=" + env[k]
	}
	return list
}
