//go:build !unix

package backend

import "os/exec"

func configureProcess(*exec.Cmd) {}
