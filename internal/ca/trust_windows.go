//go:build windows

package ca

import (
	"fmt"
	"os"
	"os/exec"
)

// InstallToOSTrust adds the root certificate to the current user's Root
// certificate store via certutil, matching the `--install-cert` flag's
// documented behavior (design doc Section 6).
func (c *CA) InstallToOSTrust() error {
	tmp, err := os.CreateTemp("", "devproxy-ca-*.crt")
	if err != nil {
		return fmt.Errorf("ca: creating temp cert file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(c.RootPEM()); err != nil {
		tmp.Close()
		return fmt.Errorf("ca: writing temp cert file: %w", err)
	}
	tmp.Close()

	if err := exec.Command("certutil", "-user", "-addstore", "Root", tmp.Name()).Run(); err != nil {
		return fmt.Errorf("ca: certutil -addstore: %w", err)
	}
	return nil
}
