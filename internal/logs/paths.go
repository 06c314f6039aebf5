package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDirName = "oversight"

// GetLogDir returns the conventional log directory for the current OS:
// %LOCALAPPDATA%\oversight\logs on Windows, ~/Library/Logs/oversight on
// macOS, and the XDG state directory (or /var/log for root) on Linux.
func GetLogDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appDirName, "logs"), nil
		}
		if profile := os.Getenv("USERPROFILE"); profile != "" {
			return filepath.Join(profile, "AppData", "Local", appDirName, "logs"), nil
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Logs", appDirName), nil
		}
	case "linux":
		if os.Getuid() == 0 {
			return filepath.Join("/var/log", appDirName), nil
		}
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, appDirName, "logs"), nil
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "state", appDirName, "logs"), nil
		}
	}
	return fallbackLogDir(), nil
}

func fallbackLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDirName, "logs")
	}
	return filepath.Join(home, "."+appDirName, "logs")
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir(logDir string) error {
	return os.MkdirAll(logDir, 0o755)
}

// GetLogFilePath returns the full path for filename in the standard log
// directory, creating the directory on the way.
func GetLogFilePath(filename string) (string, error) {
	logDir, err := GetLogDir()
	if err != nil {
		return "", err
	}
	if err := EnsureLogDir(logDir); err != nil {
		return "", err
	}
	return filepath.Join(logDir, filename), nil
}

// GetLogFilePathWithDir is GetLogFilePath with a custom directory override.
// A leading ~/ expands to the user home.
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	if logDir == "" {
		return GetLogFilePath(filename)
	}

	if strings.HasPrefix(logDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, logDir[2:])
	}

	if err := EnsureLogDir(logDir); err != nil {
		return "", err
	}
	return filepath.Join(logDir, filename), nil
}
