//go:build !unix

package analysis

import "os/exec"

// setProcessGroup keeps the default cancellation, which kills the process only.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}
