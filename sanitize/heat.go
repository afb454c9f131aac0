package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Secret-shaped content is fatal under every profile, including the
// permissive one. Messages never echo the matched content.
var secretPatterns = []struct {
	label string
	re    *regexp.Regexp
}{
	{"credential assignment", regexp.MustCompile(`(?i)(?:api[_-]?key|access[_-]?key|secret|token|passwd|password)\s*[=:]\s*\S{8,}`)},
	{"bearer token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`)},
	{"sk- prefixed key", regexp.MustCompile(`\bsk-[A-Za-z0-9-]{16,}`)},
	{"github token", regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`)},
	{"github fine-grained token", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`)},
	{"aws access key id", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"slack token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"private key block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
}

// Destructive file-management verbs. Only fatal when the same command
// line also names a sensitive target.
var dangerousVerbPattern = regexp.MustCompile(`(?i)(?:^|[\s;|&])(?:rm|del|format|mkfs(?:\.[a-z0-9]+)?|dd)(?:$|[\s=])`)

var (
	sensitiveTargetPattern = regexp.MustCompile(`(?:^|[\s='"])(?:/etc|/proc|/sys|/root|/boot|/dev|/var/log)\b`)
	rootTargetPattern      = regexp.MustCompile(`(?:^|\s)/(?:\s|$)`)
)

// Prompt-injection phrases. Advisory only: the argument may be a
// legitimate prompt discussing these very phrases.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior)\s+(?:instructions|prompts|messages)`),
	regexp.MustCompile(`(?i)disregard\s+(?:all\s+|any\s+)?(?:previous|prior|above)`),
	regexp.MustCompile(`(?i)forget\s+(?:everything|all\s+previous)`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
	regexp.MustCompile(`(?i)override\s+(?:the\s+)?system\s+prompt`),
}

const (
	// repeatRunThreshold is the consecutive identical-rune count that
	// flags an argument.
	repeatRunThreshold = 64

	// repeatAlphabetMinLen and repeatAlphabetLimit flag long arguments
	// drawn from a tiny alphabet.
	repeatAlphabetMinLen = 256
	repeatAlphabetLimit  = 4
)

// checkHeat layers the domain checks over the generic ones. All of
// them run under both profiles; allow patterns do not exempt these.
func (cp *compiledPolicy) checkHeat(v *Verdict) {
	for i, arg := range v.Args {
		field := fmt.Sprintf("args[%d]", i)
		checkSecrets(v, field, arg)
		checkInjection(v, field, arg)
		checkRepetition(v, field, arg)
	}
	checkDangerousCommand(v)
}

func checkSecrets(v *Verdict, field, arg string) {
	for _, sp := range secretPatterns {
		if sp.re.MatchString(arg) {
			v.record(Violation{
				Code:     "SECRET_EXPOSED",
				Field:    field,
				Message:  fmt.Sprintf("argument matches %s shape", sp.label),
				Severity: SeverityCritical,
			})
			return
		}
	}
}

// checkDangerousCommand scans the joined command line so that both a
// single argument "rm -rf /etc" and the split form rm, -rf, /etc are
// caught.
func checkDangerousCommand(v *Verdict) {
	line := v.Program
	if len(v.Args) > 0 {
		line += " " + strings.Join(v.Args, " ")
	}
	if !dangerousVerbPattern.MatchString(line) {
		return
	}
	if !sensitiveTargetPattern.MatchString(line) && !rootTargetPattern.MatchString(line) {
		return
	}
	v.record(Violation{
		Code:     "DANGEROUS_COMMAND",
		Field:    "command",
		Message:  "destructive file-management verb combined with a sensitive target",
		Severity: SeverityCritical,
	})
}

func checkInjection(v *Verdict, field, arg string) {
	for _, re := range injectionPatterns {
		if re.MatchString(arg) {
			v.record(Violation{
				Code:     "PROMPT_INJECTION",
				Field:    field,
				Message:  "argument contains a prompt-injection phrase",
				Severity: SeverityWarning,
			})
			return
		}
	}
}

func checkRepetition(v *Verdict, field, arg string) {
	if r, n := longestRun(arg); n >= repeatRunThreshold {
		v.record(Violation{
			Code:     "PATHOLOGICAL_REPETITION",
			Field:    field,
			Message:  fmt.Sprintf("character %q repeats %d times consecutively", r, n),
			Severity: SeverityWarning,
		})
		return
	}
	if utf8.RuneCountInString(arg) >= repeatAlphabetMinLen {
		if n, ok := tinyAlphabet(arg); ok {
			v.record(Violation{
				Code:     "PATHOLOGICAL_REPETITION",
				Field:    field,
				Message:  fmt.Sprintf("argument of %d+ characters uses an alphabet of %d", repeatAlphabetMinLen, n),
				Severity: SeverityWarning,
			})
		}
	}
}

// longestRun returns the longest run of one rune and its length.
func longestRun(s string) (rune, int) {
	var prev, bestRune rune
	current, best := 0, 0
	for _, r := range s {
		if current > 0 && r == prev {
			current++
		} else {
			current = 1
			prev = r
		}
		if current > best {
			best = current
			bestRune = r
		}
	}
	return bestRune, best
}

// tinyAlphabet reports whether s draws from at most
// repeatAlphabetLimit distinct runes.
func tinyAlphabet(s string) (int, bool) {
	distinct := make(map[rune]struct{}, repeatAlphabetLimit+1)
	for _, r := range s {
		distinct[r] = struct{}{}
		if len(distinct) > repeatAlphabetLimit {
			return 0, false
		}
	}
	return len(distinct), true
}
