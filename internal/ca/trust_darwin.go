//go:build darwin

package ca

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// InstallToOSTrust adds the root certificate to the macOS System keychain as
// trusted for SSL, matching the `--install-cert` flag's documented behavior
// (design doc Section 6).
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

	cmd := exec.Command("security", "add-trusted-cert", "-d", "-r", "trustRoot",
		"-k", filepath.Join("/Library", "Keychains", "System.keychain"), tmp.Name())
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ca: security add-trusted-cert: %w", err)
	}
	return nil
}
