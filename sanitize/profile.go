package sanitize

// Profile names recognized by rule packs and verdicts.
const (
	ProfilePermissive = "permissive"
	ProfileStrict     = "strict"
)

// DefaultTrustedPrograms receive the permissive profile. The set is
// replaced with WithTrustedPrograms or a rule pack.
var DefaultTrustedPrograms = []string{"claude"}

// PermissiveProfile returns the policy applied to trusted programs.
// Free-text prompt arguments carry metacharacters, URLs and dollar
// signs legitimately, so the generic checks are relaxed; the secret
// and binary-content checks still apply.
func PermissiveProfile() Policy {
	return Policy{
		Name:                               ProfilePermissive,
		AllowFileSystemAccess:              true,
		AllowNetworkAccess:                 true,
		AllowEnvironmentVariableReferences: true,
		AllowShellMetacharacters:           true,
		MaxCommandLength:                   1024,
		MaxArgumentLength:                  1 << 20,
		MaxArgumentCount:                   1024,
	}
}

// StrictProfile returns the policy applied to everything else. A
// working directory override is still permitted so callers can run
// project-scoped commands; sensitive locations surface as warnings.
func StrictProfile() Policy {
	return Policy{
		Name:                  ProfileStrict,
		AllowFileSystemAccess: true,
		MaxCommandLength:      DefaultMaxCommandLength,
		MaxArgumentLength:     DefaultMaxArgumentLength,
		MaxArgumentCount:      DefaultMaxArgumentCount,
	}
}
