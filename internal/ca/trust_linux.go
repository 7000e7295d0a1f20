//go:build linux

package ca

import (
	"fmt"
	"os"
	"os/exec"
)

// InstallToOSTrust writes the root certificate to the system CA bundle
// directory and refreshes it via update-ca-certificates, matching the
// `--install-cert` flag's documented behavior (design doc Section 6).
func (c *CA) InstallToOSTrust() error {
	const dest = "/usr/local/share/ca-certificates/devproxy-ca.crt"
	if err := os.WriteFile(dest, c.RootPEM(), 0o644); err != nil {
		return fmt.Errorf("ca: writing %s: %w", dest, err)
	}
	if err := exec.Command("update-ca-certificates").Run(); err != nil {
		return fmt.Errorf("ca: update-ca-certificates: %w", err)
	}
	return nil
}
