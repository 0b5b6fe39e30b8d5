// Package env captures environment-derived defaults for ntrace commands.
package env

import "os"

// LogDir is the default directory for trace log segments when -log is
// given as a bare filename rather than a path.
var LogDir = findLogDir()

func findLogDir() string {
	if dir := os.Getenv("NTRACE_LOG_DIR"); dir != "" {
		return dir
	}

	return os.ExpandEnv("$HOME/.local/share/ntrace") // default
}
