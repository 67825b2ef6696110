package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.inboxcache, or the override if non-empty.
// The override exists so tests and multi-profile setups can relocate
// the whole data tree with a single flag.
func BaseDir(override string) string {
	if override != "" {
		return override
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inboxcache")
}

// CacheDBPath returns the cache-owned sqlite database path.
func CacheDBPath(base string) string {
	return filepath.Join(base, "cache.db")
}

// LockPath returns the lock file path guarding the data dir.
func LockPath(base string) string {
	return filepath.Join(base, "LOCK")
}

// LogDir returns the log directory.
func LogDir(base string) string {
	return filepath.Join(base, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(base string) string {
	return filepath.Join(LogDir(base), "inboxd.log")
}

// ConfigPath returns the config file path.
func ConfigPath(base string) string {
	return filepath.Join(base, "config.toml")
}

// EnsureDirs creates the data directory tree with proper permissions.
func EnsureDirs(base string) error {
	for _, d := range []string{base, LogDir(base)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
