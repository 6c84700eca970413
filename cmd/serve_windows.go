//go:build windows

package cmd

import (
	"os"
	"os/exec"
)

// setDaemonAttrs does nothing on Windows; there is no Setsid.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals are the signals that drain in-flight requests and stop serve.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
