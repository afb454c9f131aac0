package exec

import "os/exec"

// LookPath resolves a program name against PATH. It exists so that
// callers outside this package never import os/exec directly.
func LookPath(program string) (string, error) {
	return exec.LookPath(program)
}
