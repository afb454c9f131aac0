package sanitize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RulePack is the YAML document that tunes a Sanitizer at runtime.
// Packs adjust the built-in profiles; they do not define new ones.
type RulePack struct {
	// Version identifies the pack for audit purposes.
	Version string `yaml:"version"`

	// WatchInterval overrides the loader's fallback reload interval.
	WatchInterval Duration `yaml:"watch_interval,omitempty"`

	// TrustedPrograms replaces the trusted program set when non-empty.
	TrustedPrograms []string `yaml:"trusted_programs,omitempty"`

	// Profiles adjust the built-in profiles by name.
	Profiles []ProfileRule `yaml:"profiles,omitempty"`
}

// ProfileRule adjusts one named profile. Nil booleans and zero bounds
// leave the current value untouched; pattern lists append.
type ProfileRule struct {
	Name string `yaml:"name"`

	AllowFileSystemAccess              *bool `yaml:"allow_filesystem,omitempty"`
	AllowNetworkAccess                 *bool `yaml:"allow_network,omitempty"`
	AllowEnvironmentVariableReferences *bool `yaml:"allow_env_references,omitempty"`
	AllowShellMetacharacters           *bool `yaml:"allow_shell_metacharacters,omitempty"`

	MaxCommandLength  int      `yaml:"max_command_length,omitempty"`
	MaxArgumentLength ByteSize `yaml:"max_argument_length,omitempty"`
	MaxArgumentCount  int      `yaml:"max_argument_count,omitempty"`

	AllowPatterns []string `yaml:"allow_patterns,omitempty"`
	BlockPatterns []string `yaml:"block_patterns,omitempty"`
}

// apply merges the rule into a base policy.
func (pr ProfileRule) apply(base Policy) Policy {
	merged := base
	if pr.AllowFileSystemAccess != nil {
		merged.AllowFileSystemAccess = *pr.AllowFileSystemAccess
	}
	if pr.AllowNetworkAccess != nil {
		merged.AllowNetworkAccess = *pr.AllowNetworkAccess
	}
	if pr.AllowEnvironmentVariableReferences != nil {
		merged.AllowEnvironmentVariableReferences = *pr.AllowEnvironmentVariableReferences
	}
	if pr.AllowShellMetacharacters != nil {
		merged.AllowShellMetacharacters = *pr.AllowShellMetacharacters
	}
	if pr.MaxCommandLength > 0 {
		merged.MaxCommandLength = pr.MaxCommandLength
	}
	if pr.MaxArgumentLength.Bytes > 0 {
		merged.MaxArgumentLength = int(pr.MaxArgumentLength.Bytes)
	}
	if pr.MaxArgumentCount > 0 {
		merged.MaxArgumentCount = pr.MaxArgumentCount
	}
	merged.AllowPatterns = append(append([]string(nil), base.AllowPatterns...), pr.AllowPatterns...)
	merged.BlockPatterns = append(append([]string(nil), base.BlockPatterns...), pr.BlockPatterns...)
	return merged
}

// UnknownProfileError indicates a rule pack referenced a profile that
// does not exist.
type UnknownProfileError struct {
	Name string
}

// Error returns the error message.
func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown policy profile %q", e.Name)
}

// Duration wraps time.Duration for YAML fields like "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ByteSize is a byte count that accepts plain integers or strings
// like "64KB" and "1MB".
type ByteSize struct {
	Bytes int64
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		b.Bytes = n
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	b.Bytes = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.Bytes, nil
}

// ParseByteSize parses "4096", "64KB", "1MB" or "2GB".
func ParseByteSize(s string) (int64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(trimmed, "KB"):
		multiplier = 1 << 10
		trimmed = strings.TrimSuffix(trimmed, "KB")
	case strings.HasSuffix(trimmed, "MB"):
		multiplier = 1 << 20
		trimmed = strings.TrimSuffix(trimmed, "MB")
	case strings.HasSuffix(trimmed, "GB"):
		multiplier = 1 << 30
		trimmed = strings.TrimSuffix(trimmed, "GB")
	case strings.HasSuffix(trimmed, "B"):
		trimmed = strings.TrimSuffix(trimmed, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(trimmed), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n * multiplier, nil
}

// PackValidator inspects a decoded rule pack before it is applied.
type PackValidator func(*RulePack) error

// DefaultPackValidator rejects packs with a missing version, unknown
// profile names, unparseable patterns or negative bounds.
func DefaultPackValidator(pack *RulePack) error {
	if pack.Version == "" {
		return fmt.Errorf("rule pack version is required")
	}
	for _, pr := range pack.Profiles {
		if pr.Name != ProfilePermissive && pr.Name != ProfileStrict {
			return &UnknownProfileError{Name: pr.Name}
		}
		for _, pattern := range pr.AllowPatterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("profile %s: invalid allow pattern %q: %w", pr.Name, pattern, err)
			}
		}
		for _, pattern := range pr.BlockPatterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("profile %s: invalid block pattern %q: %w", pr.Name, pattern, err)
			}
		}
		if pr.MaxCommandLength < 0 || pr.MaxArgumentCount < 0 || pr.MaxArgumentLength.Bytes < 0 {
			return fmt.Errorf("profile %s: bounds must be non-negative", pr.Name)
		}
	}
	return nil
}

// ExampleRulePack returns a documented pack suitable as a starting
// point.
func ExampleRulePack() string {
	return `# Sanitizer rule pack
version: "1.0"

# Fallback reload interval for Loader.Watch.
watch_interval: 30s

# Programs granted the permissive profile, matched on base name.
trusted_programs:
  - claude

profiles:
  - name: strict
    max_argument_length: 64KB
    allow_patterns:
      - '^--[a-z][a-z0-9-]*$'
    block_patterns:
      - 'curl\s+.*\|\s*(?:ba)?sh'

  - name: permissive
    allow_network: true
`
}
