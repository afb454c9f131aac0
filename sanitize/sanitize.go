// Package sanitize decides whether a command is safe to hand to the
// operating system. It inspects the program name, argument list and
// working directory against a named policy profile and returns a
// verdict with every finding itemized. It never executes anything
// itself.
package sanitize

import (
	"path/filepath"
	"strings"
	"sync"
)

// Severity represents finding severity.
type Severity int

const (
	// SeverityWarning is advisory and never affects validity.
	SeverityWarning Severity = iota
	// SeverityError invalidates the command.
	SeverityError
	// SeverityCritical invalidates the command and indicates probable abuse.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Violation describes a single finding against a command.
type Violation struct {
	// Code is the machine-readable finding code.
	Code string

	// Field is the input that triggered the finding.
	Field string

	// Message describes the finding.
	Message string

	// Severity is the finding severity.
	Severity Severity
}

// Verdict is the outcome of validating one command.
//
// Violations and Warnings are ordered by check, then by argument
// position. A command is valid iff Violations is empty; warnings are
// operator-visible advisories and never affect validity.
type Verdict struct {
	// Valid is true iff Violations is empty.
	Valid bool

	// Policy names the profile the verdict was produced under.
	Policy string

	// Program, Args and WorkingDir are the normalized inputs.
	// Only meaningful when Valid.
	Program    string
	Args       []string
	WorkingDir string

	// Violations are fatal findings.
	Violations []Violation

	// Warnings are advisory findings.
	Warnings []Violation
}

// record routes a finding to Violations or Warnings by severity.
func (v *Verdict) record(violation Violation) {
	if violation.Severity == SeverityWarning {
		v.Warnings = append(v.Warnings, violation)
		return
	}
	v.Violations = append(v.Violations, violation)
}

// Messages returns the violation messages in order.
func (v *Verdict) Messages() []string {
	out := make([]string, len(v.Violations))
	for i, viol := range v.Violations {
		out[i] = viol.Message
	}
	return out
}

// WarningMessages returns the warning messages in order.
func (v *Verdict) WarningMessages() []string {
	out := make([]string, len(v.Warnings))
	for i, w := range v.Warnings {
		out[i] = w.Message
	}
	return out
}

// Policy configures the checks applied to a command.
//
// The zero value of each bound means "use the built-in default"; the
// boolean switches default to deny.
type Policy struct {
	// Name identifies the policy in verdicts and audit records.
	Name string

	// AllowFileSystemAccess permits a working directory override.
	AllowFileSystemAccess bool

	// AllowNetworkAccess permits URL-shaped arguments.
	AllowNetworkAccess bool

	// AllowEnvironmentVariableReferences permits ${VAR} and $VAR
	// shaped arguments.
	AllowEnvironmentVariableReferences bool

	// AllowShellMetacharacters permits shell metacharacters in the
	// program name and arguments.
	AllowShellMetacharacters bool

	// MaxCommandLength bounds the program name length in bytes.
	MaxCommandLength int

	// MaxArgumentLength bounds each argument length in bytes.
	MaxArgumentLength int

	// MaxArgumentCount bounds the argument list length.
	MaxArgumentCount int

	// AllowPatterns are regular expressions that exempt a matching
	// argument from the metacharacter, URL and environment-reference
	// checks. They never bypass the binary-byte or secret checks.
	AllowPatterns []string

	// BlockPatterns are regular expressions that reject a matching
	// argument outright.
	BlockPatterns []string
}

// Default bounds applied when a policy leaves them zero.
const (
	DefaultMaxCommandLength  = 256
	DefaultMaxArgumentLength = 4096
	DefaultMaxArgumentCount  = 100
)

// Sanitizer validates commands against named policy profiles.
//
// Programs in the trusted set receive the permissive profile,
// everything else the strict one. Validation itself has no side
// effects; the profiles can be swapped at runtime via ApplyRulePack.
type Sanitizer struct {
	mu         sync.RWMutex
	trusted    map[string]struct{}
	permissive *compiledPolicy
	strict     *compiledPolicy
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithTrustedPrograms replaces the set of program names granted the
// permissive profile. Matching is on the base name of the program.
func WithTrustedPrograms(programs ...string) Option {
	return func(s *Sanitizer) {
		s.trusted = make(map[string]struct{}, len(programs))
		for _, p := range programs {
			s.trusted[p] = struct{}{}
		}
	}
}

// WithPermissiveProfile replaces the built-in permissive profile.
func WithPermissiveProfile(p Policy) Option {
	return func(s *Sanitizer) {
		s.permissive = compilePolicy(p)
	}
}

// WithStrictProfile replaces the built-in strict profile.
func WithStrictProfile(p Policy) Option {
	return func(s *Sanitizer) {
		s.strict = compilePolicy(p)
	}
}

// New creates a Sanitizer with the built-in profiles.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		trusted:    make(map[string]struct{}, len(DefaultTrustedPrograms)),
		permissive: compilePolicy(PermissiveProfile()),
		strict:     compilePolicy(StrictProfile()),
	}
	for _, name := range DefaultTrustedPrograms {
		s.trusted[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks one command against the profile selected for it.
// A non-nil overrides replaces the selected profile wholesale. Every
// check runs; findings accumulate rather than stopping at the first
// failure.
func (s *Sanitizer) Validate(program string, args []string, workingDir string, overrides *Policy) *Verdict {
	var cp *compiledPolicy
	if overrides != nil {
		cp = compilePolicy(*overrides)
	} else {
		s.mu.RLock()
		cp = s.strict
		if s.isTrustedLocked(program) {
			cp = s.permissive
		}
		s.mu.RUnlock()
	}
	return cp.validate(program, args, workingDir)
}

// ProfileFor returns a copy of the policy Validate would select for
// the program.
func (s *Sanitizer) ProfileFor(program string) Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isTrustedLocked(program) {
		return s.permissive.policy
	}
	return s.strict.policy
}

// Trusted reports whether the program would receive the permissive
// profile.
func (s *Sanitizer) Trusted(program string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isTrustedLocked(program)
}

func (s *Sanitizer) isTrustedLocked(program string) bool {
	name := filepath.Base(strings.TrimSpace(program))
	_, ok := s.trusted[name]
	return ok
}

// ApplyRulePack merges a rule pack into the built-in profiles and
// replaces the trusted program set when the pack carries one. The
// pack must have passed validation; an invalid pattern aborts the
// merge with no partial effect.
func (s *Sanitizer) ApplyRulePack(pack *RulePack) error {
	if pack == nil {
		return nil
	}
	if err := DefaultPackValidator(pack); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := map[string]*compiledPolicy{
		ProfilePermissive: s.permissive,
		ProfileStrict:     s.strict,
	}
	for _, pr := range pack.Profiles {
		base, ok := staged[pr.Name]
		if !ok {
			return &UnknownProfileError{Name: pr.Name}
		}
		staged[pr.Name] = compilePolicy(pr.apply(base.policy))
	}

	if len(pack.TrustedPrograms) > 0 {
		s.trusted = make(map[string]struct{}, len(pack.TrustedPrograms))
		for _, p := range pack.TrustedPrograms {
			s.trusted[p] = struct{}{}
		}
	}
	s.permissive = staged[ProfilePermissive]
	s.strict = staged[ProfileStrict]
	return nil
}
