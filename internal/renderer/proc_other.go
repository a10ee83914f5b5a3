//go:build !unix

package renderer

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
