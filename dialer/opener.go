package dialer

import (
	"os/exec"
	"runtime"

	"github.com/pkg/errors"

	"go.cribnosh.com/utils"
)

// SystemOpener opens URLs through the operating system's default handler.
type SystemOpener struct{}

func openCommand(url string) (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.Command("xdg-open", url), nil
	case "darwin":
		return exec.Command("open", url), nil
	case "windows":
		return exec.Command("cmd", "/c", "start", url), nil
	default:
		return nil, errors.Errorf("unsupported platform %s", runtime.GOOS)
	}
}

// CanOpenURL reports whether the platform's opener is installed.
func (SystemOpener) CanOpenURL(url string) bool {
	cmd, err := openCommand(url)
	if err != nil {
		return false
	}
	_, err = exec.LookPath(cmd.Path)
	return err == nil
}

// OpenURL starts the platform's opener without waiting for the handling application.
func (SystemOpener) OpenURL(url string) error {
	cmd, err := openCommand(url)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	utils.PanicCapturingGo(func() {
		utils.UncheckedError(cmd.Wait())
	})
	return nil
}
