//go:build !unix

package spawner

import (
	"os"
	"os/exec"
	"os/user"
)

func setCredential(*exec.Cmd, *user.User) error {
	return nil
}

func terminateGroup(p *os.Process) error { return p.Signal(os.Interrupt) }

func killGroup(p *os.Process) error { return p.Kill() }
