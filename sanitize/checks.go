package sanitize

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Shell metacharacters rejected unless a policy allows them. The
// argument set is narrower: backslash is excluded so escaped content
// in free-text arguments is not over-blocked.
const (
	programMetacharacters  = ";&|`$(){}[]<>*~\\"
	argumentMetacharacters = ";&|`$(){}[]<>*~"
)

// Working directories under these prefixes are flagged as warnings.
var sensitivePathPrefixes = []string{
	"/etc",
	"/proc",
	"/sys",
	"/root",
	"/boot",
	"/dev",
	"/var/log",
}

var (
	urlPattern    = regexp.MustCompile(`(?i)\b(?:https?|ftps?|ssh|sftp|git|file)://`)
	envRefPattern = regexp.MustCompile(`\$\{[A-Z][A-Z0-9_]*\}|\$[A-Z][A-Z0-9_]*\b`)
)

// compiledPolicy is a Policy with defaults filled and patterns
// compiled. Unparseable patterns fail closed: they surface as a
// violation on every verdict produced under the policy.
type compiledPolicy struct {
	policy  Policy
	allow   []*regexp.Regexp
	block   []*regexp.Regexp
	invalid []Violation
}

func compilePolicy(p Policy) *compiledPolicy {
	if p.MaxCommandLength <= 0 {
		p.MaxCommandLength = DefaultMaxCommandLength
	}
	if p.MaxArgumentLength <= 0 {
		p.MaxArgumentLength = DefaultMaxArgumentLength
	}
	if p.MaxArgumentCount <= 0 {
		p.MaxArgumentCount = DefaultMaxArgumentCount
	}

	cp := &compiledPolicy{policy: p}
	for _, pattern := range p.AllowPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			cp.invalid = append(cp.invalid, Violation{
				Code:     "POLICY_PATTERN_INVALID",
				Field:    "policy.allowPatterns",
				Message:  fmt.Sprintf("invalid allow pattern %q: %v", pattern, err),
				Severity: SeverityError,
			})
			continue
		}
		cp.allow = append(cp.allow, re)
	}
	for _, pattern := range p.BlockPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			cp.invalid = append(cp.invalid, Violation{
				Code:     "POLICY_PATTERN_INVALID",
				Field:    "policy.blockPatterns",
				Message:  fmt.Sprintf("invalid block pattern %q: %v", pattern, err),
				Severity: SeverityError,
			})
			continue
		}
		cp.block = append(cp.block, re)
	}
	return cp
}

// validate runs every check and collects the findings into a verdict.
func (cp *compiledPolicy) validate(program string, args []string, workingDir string) *Verdict {
	v := &Verdict{
		Policy:  cp.policy.Name,
		Program: strings.TrimSpace(program),
		Args:    append([]string(nil), args...),
	}
	if workingDir != "" {
		v.WorkingDir = filepath.Clean(workingDir)
	}

	for _, bad := range cp.invalid {
		v.record(bad)
	}
	cp.checkProgram(v)
	cp.checkArguments(v)
	cp.checkWorkingDir(v)
	cp.checkHeat(v)

	v.Valid = len(v.Violations) == 0
	return v
}

func (cp *compiledPolicy) checkProgram(v *Verdict) {
	program := v.Program
	if program == "" {
		v.record(Violation{
			Code:     "PROGRAM_EMPTY",
			Field:    "program",
			Message:  "program name is required",
			Severity: SeverityError,
		})
		return
	}
	if len(program) > cp.policy.MaxCommandLength {
		v.record(Violation{
			Code:     "PROGRAM_TOO_LONG",
			Field:    "program",
			Message:  fmt.Sprintf("program name length %d exceeds limit %d", len(program), cp.policy.MaxCommandLength),
			Severity: SeverityError,
		})
	}
	if !cp.policy.AllowShellMetacharacters {
		if c, ok := firstMetacharacter(program, programMetacharacters); ok {
			v.record(Violation{
				Code:     "PROGRAM_METACHARACTER",
				Field:    "program",
				Message:  fmt.Sprintf("program name contains shell metacharacter %q", c),
				Severity: SeverityError,
			})
		}
	}
	if hasTraversal(program) {
		v.record(Violation{
			Code:     "PROGRAM_TRAVERSAL",
			Field:    "program",
			Message:  "program name contains a path traversal segment",
			Severity: SeverityError,
		})
	}
}

func (cp *compiledPolicy) checkArguments(v *Verdict) {
	if len(v.Args) > cp.policy.MaxArgumentCount {
		v.record(Violation{
			Code:     "ARGUMENT_COUNT_EXCEEDED",
			Field:    "args",
			Message:  fmt.Sprintf("argument count %d exceeds limit %d", len(v.Args), cp.policy.MaxArgumentCount),
			Severity: SeverityError,
		})
	}
	for i, arg := range v.Args {
		cp.checkArgument(v, i, arg)
	}
}

func (cp *compiledPolicy) checkArgument(v *Verdict, index int, arg string) {
	field := fmt.Sprintf("args[%d]", index)

	if len(arg) > cp.policy.MaxArgumentLength {
		v.record(Violation{
			Code:     "ARGUMENT_TOO_LONG",
			Field:    field,
			Message:  fmt.Sprintf("argument length %d exceeds limit %d", len(arg), cp.policy.MaxArgumentLength),
			Severity: SeverityError,
		})
	}

	// Binary content is rejected under every policy.
	if c, ok := firstControlByte(arg); ok {
		v.record(Violation{
			Code:     "ARGUMENT_BINARY",
			Field:    field,
			Message:  fmt.Sprintf("argument contains control byte 0x%02x", c),
			Severity: SeverityError,
		})
	} else if !utf8.ValidString(arg) {
		v.record(Violation{
			Code:     "ARGUMENT_BINARY",
			Field:    field,
			Message:  "argument is not valid UTF-8",
			Severity: SeverityError,
		})
	}

	for i, re := range cp.block {
		if re.MatchString(arg) {
			v.record(Violation{
				Code:     "ARGUMENT_BLOCKED",
				Field:    field,
				Message:  fmt.Sprintf("argument matches blocked pattern %q", cp.policy.BlockPatterns[i]),
				Severity: SeverityError,
			})
		}
	}

	if hasTraversal(arg) {
		v.record(Violation{
			Code:     "ARGUMENT_TRAVERSAL",
			Field:    field,
			Message:  "argument contains a path traversal segment",
			Severity: SeverityError,
		})
	}

	// Allow patterns exempt the remaining checks for this argument.
	for _, re := range cp.allow {
		if re.MatchString(arg) {
			return
		}
	}

	if !cp.policy.AllowShellMetacharacters {
		if c, ok := firstMetacharacter(arg, argumentMetacharacters); ok {
			v.record(Violation{
				Code:     "ARGUMENT_METACHARACTER",
				Field:    field,
				Message:  fmt.Sprintf("argument contains shell metacharacter %q", c),
				Severity: SeverityError,
			})
		}
	}
	if !cp.policy.AllowNetworkAccess && urlPattern.MatchString(arg) {
		v.record(Violation{
			Code:     "ARGUMENT_URL",
			Field:    field,
			Message:  "argument contains a network URL",
			Severity: SeverityError,
		})
	}
	if !cp.policy.AllowEnvironmentVariableReferences && envRefPattern.MatchString(arg) {
		v.record(Violation{
			Code:     "ARGUMENT_ENV_REFERENCE",
			Field:    field,
			Message:  "argument references an environment variable",
			Severity: SeverityError,
		})
	}
}

func (cp *compiledPolicy) checkWorkingDir(v *Verdict) {
	if v.WorkingDir == "" {
		return
	}
	if !cp.policy.AllowFileSystemAccess {
		v.record(Violation{
			Code:     "WORKDIR_FORBIDDEN",
			Field:    "workdir",
			Message:  fmt.Sprintf("working directory override %q requires file system access", v.WorkingDir),
			Severity: SeverityError,
		})
		return
	}
	if prefix, ok := underSensitivePath(v.WorkingDir); ok {
		v.record(Violation{
			Code:     "WORKDIR_SENSITIVE",
			Field:    "workdir",
			Message:  fmt.Sprintf("working directory %q is under sensitive path %s", v.WorkingDir, prefix),
			Severity: SeverityWarning,
		})
	}
}

// firstMetacharacter returns the first rune of s found in set.
func firstMetacharacter(s, set string) (rune, bool) {
	if i := strings.IndexAny(s, set); i >= 0 {
		r, _ := utf8.DecodeRuneInString(s[i:])
		return r, true
	}
	return 0, false
}

// firstControlByte returns the first control byte in s. Tab, newline
// and carriage return are tolerated; free-text arguments carry them
// legitimately.
func firstControlByte(s string) (byte, bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 0x20 && c != '\t' && c != '\n' && c != '\r') || c == 0x7f {
			return c, true
		}
	}
	return 0, false
}

// hasTraversal reports whether s contains ".." as a path segment.
// A bare ".." inside prose ("wait.. what") does not count; one
// bounded by separators or the string ends does.
func hasTraversal(s string) bool {
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' || s[i] == '\\' {
			if s[start:i] == ".." {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// underSensitivePath returns the matching sensitive prefix, if any.
func underSensitivePath(dir string) (string, bool) {
	cleaned := filepath.Clean(dir)
	for _, prefix := range sensitivePathPrefixes {
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return prefix, true
		}
	}
	return "", false
}
