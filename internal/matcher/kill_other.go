//go:build !unix

package matcher

import "os/exec"

// configureKill keeps the exec default: Process.Kill on context expiry.
func configureKill(*exec.Cmd) {}

func killGroup(*exec.Cmd) {}
