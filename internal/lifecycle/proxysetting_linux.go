//go:build linux

package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// installSystemProxy on Linux has no single OS-wide mechanism analogous to
// networksetup or the Windows registry — desktop environments each expose
// their own (gsettings for GNOME, kioclientrc for KDE). We set the
// environment variables most CLI tools and many GUI toolkits honor, in this
// process only; desktop-specific settings are not touched. This mirrors the
// teacher's own stance of never reaching for a desktop-environment-specific
// dependency it cannot support uniformly.
func installSystemProxy(addr string) error {
	proxyURL := "http://" + addr
	for _, name := range []string{"http_proxy", "HTTP_PROXY", "https_proxy", "HTTPS_PROXY"} {
		if err := os.Setenv(name, proxyURL); err != nil {
			return fmt.Errorf("lifecycle: setting %s: %w", name, err)
		}
	}
	return nil
}

func clearSystemProxy() error {
	for _, name := range []string{"http_proxy", "HTTP_PROXY", "https_proxy", "HTTPS_PROXY"} {
		os.Unsetenv(name)
	}
	return nil
}

func lookupProcessName(name string) (bool, error) {
	out, err := exec.Command("pgrep", "-x", name).Output()
	if err != nil {
		return false, nil
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}
