package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.parley.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".parley")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// CacheDBPath returns the local message cache database path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// MediaDir returns the recorder scratch directory for a session.
func MediaDir(name string) string {
	return filepath.Join(Dir(name), "media")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "parleyd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		MediaDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
