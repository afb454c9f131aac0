//go:build !linux

package exec

// applyLimits is a no-op outside Linux; prlimit is Linux-specific.
func applyLimits(_ int, _ *Limits) error {
	return nil
}
