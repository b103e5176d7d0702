// Package paths resolves where loom keeps its configuration and its data.
//
// Two directories matter: the config directory (config.yaml) and the data
// directory (document op logs, session state). Each is resolved through a
// precedence chain; the first source that yields a value wins, and relative
// values come back absolute.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	appDirName = "loom"

	// DefaultDataDirName is the working-directory-relative data directory
	// used when nothing else names one, so a project's documents live next
	// to the project.
	DefaultDataDirName = ".loom-db"
)

// Environment variables overriding the directory defaults.
const (
	EnvConfigDir = "LOOM_CONFIG_DIR"
	EnvDataDir   = "LOOM_DATA_DIR"
)

// source yields one candidate directory. Empty means "not set here, try the
// next source".
type source func() (string, error)

func literal(v string) source { return func() (string, error) { return v, nil } }

func envVar(name string) source { return func() (string, error) { return os.Getenv(name), nil } }

// resolve walks a precedence chain and absolutizes the first hit. Chains end
// in a platform or working-directory default, so a hit always exists.
func resolve(chain ...source) (string, error) {
	for _, src := range chain {
		dir, err := src()
		if err != nil {
			return "", err
		}
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	return "", nil
}

// ResolveConfigDir picks the configuration directory: the --config-dir flag
// when set, else LOOM_CONFIG_DIR, else the platform default.
func ResolveConfigDir(flag string) (string, error) {
	return resolve(literal(flag), envVar(EnvConfigDir), DefaultConfigDir)
}

// ResolveDataDir picks the data directory: the --data-dir flag when set,
// else the config.yaml data_dir value, else LOOM_DATA_DIR, else
// DefaultDataDirName under the working directory.
func ResolveDataDir(flag, configValue string) (string, error) {
	return resolve(literal(flag), literal(configValue), envVar(EnvDataDir), cwdDataDir)
}

// DefaultConfigDir returns the platform configuration directory:
// $XDG_CONFIG_HOME/loom on Linux (~/.config/loom when unset),
// ~/Library/Application Support/loom on macOS, %APPDATA%/loom on Windows.
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "linux" {
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
	return userConfigDir()
}

// DefaultDataDir returns the platform data directory: $XDG_DATA_HOME/loom on
// Linux (~/.local/share/loom when unset), the config location elsewhere.
func DefaultDataDir() (string, error) {
	if runtime.GOOS == "linux" {
		return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	}
	return userConfigDir()
}

// xdgDir resolves one XDG base directory, falling back to the conventional
// home-relative location when the variable is unset.
func xdgDir(env, homeRel string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, homeRel, appDirName), nil
}

// userConfigDir is the non-Linux default. os.UserConfigDir maps to
// ~/Library/Application Support on macOS and %APPDATA% on Windows.
func userConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDirName), nil
}

func cwdDataDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}
