package daemon

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

var lookPathFn = exec.LookPath

// checkElevation verifies that the elevation helper can be found before a
// launch is attempted. With an env wrapper ("env VAR=1 pkexec") the wrapped
// helper is checked as well.
func checkElevation(elevate []string) error {
	if len(elevate) == 0 {
		return nil
	}
	helper := strings.TrimSpace(elevate[0])
	if helper == "" {
		return fmt.Errorf("daemon.elevate: empty helper")
	}
	if _, err := lookPathFn(helper); err != nil {
		return fmt.Errorf("elevation helper %q not found in PATH", helper)
	}
	if filepath.Base(helper) != "env" {
		return nil
	}

	wrapped := envWrappedHelper(elevate[1:])
	if wrapped == "" {
		return nil
	}
	if _, err := lookPathFn(wrapped); err != nil {
		return fmt.Errorf("elevation helper %q not found in PATH", wrapped)
	}
	return nil
}

// envWrappedHelper returns the command env would run: the first token that
// is neither an option nor a VAR=value assignment.
func envWrappedHelper(args []string) string {
	for i := 0; i < len(args); i++ {
		token := strings.TrimSpace(args[i])
		switch {
		case token == "":
			continue
		case token == "--":
			for _, rest := range args[i+1:] {
				if rest = strings.TrimSpace(rest); rest != "" && !isAssignment(rest) {
					return rest
				}
			}
			return ""
		case token == "-u" || token == "--unset" || token == "-C" || token == "--chdir":
			i++
			continue
		case strings.HasPrefix(token, "-"):
			continue
		case isAssignment(token):
			continue
		}
		return token
	}
	return ""
}

func isAssignment(token string) bool {
	return strings.Index(token, "=") > 0
}
