package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func homeDir(t *testing.T) string {
	t.Helper()
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	return home
}

func TestPlatformDefaultsLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-only test")
	}

	tests := []struct {
		name   string
		env    string
		val    string
		fn     func() (string, error)
		want   func(t *testing.T) string
	}{
		{
			name: "config honors XDG_CONFIG_HOME",
			env:  "XDG_CONFIG_HOME", val: "/tmp/xdg-config",
			fn:   DefaultConfigDir,
			want: func(*testing.T) string { return "/tmp/xdg-config/loom" },
		},
		{
			name: "config falls back to ~/.config",
			env:  "XDG_CONFIG_HOME", val: "",
			fn:   DefaultConfigDir,
			want: func(t *testing.T) string { return filepath.Join(homeDir(t), ".config", "loom") },
		},
		{
			name: "data honors XDG_DATA_HOME",
			env:  "XDG_DATA_HOME", val: "/tmp/xdg-data",
			fn:   DefaultDataDir,
			want: func(*testing.T) string { return "/tmp/xdg-data/loom" },
		},
		{
			name: "data falls back to ~/.local/share",
			env:  "XDG_DATA_HOME", val: "",
			fn:   DefaultDataDir,
			want: func(t *testing.T) string { return filepath.Join(homeDir(t), ".local", "share", "loom") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.want(t), got)
		})
	}
}

func TestPlatformDefaultsDarwin(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skip("darwin-only test")
	}

	want := filepath.Join(homeDir(t), "Library", "Application Support", "loom")
	got, err := DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = DefaultDataDir()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveConfigDirPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		envVal  string
		wantSub string // substring the result must contain
	}{
		{name: "flag beats env", flag: "/explicit/config", envVal: "/env/config", wantSub: "/explicit/config"},
		{name: "env beats default", flag: "", envVal: "/env/config", wantSub: "/env/config"},
		{name: "platform default last", flag: "", envVal: "", wantSub: "loom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigDir, tt.envVal)
			got, err := ResolveConfigDir(tt.flag)
			require.NoError(t, err)
			assert.Contains(t, got, tt.wantSub)
		})
	}
}

func TestResolveDataDirPrecedence(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		name      string
		flag      string
		configVal string
		envVal    string
		want      string
	}{
		{
			name: "flag beats everything",
			flag: "/flag/data", configVal: "/config/data", envVal: "/env/data",
			want: "/flag/data",
		},
		{
			name:      "config.yaml beats env",
			configVal: "/config/data", envVal: "/env/data",
			want: "/config/data",
		},
		{
			name:   "env beats the cwd default",
			envVal: "/env/data",
			want:   "/env/data",
		},
		{
			name: "cwd default last",
			want: filepath.Join(cwd, DefaultDataDirName),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvDataDir, tt.envVal)
			got, err := ResolveDataDir(tt.flag, tt.configVal)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolutionAbsolutizesRelativePaths(t *testing.T) {
	tests := []struct {
		name    string
		envName string
		envVal  string
		resolve func() (string, error)
	}{
		{
			name: "config flag", envName: EnvConfigDir,
			resolve: func() (string, error) { return ResolveConfigDir("relative/path") },
		},
		{
			name: "config env", envName: EnvConfigDir, envVal: "relative/env",
			resolve: func() (string, error) { return ResolveConfigDir("") },
		},
		{
			name: "data flag", envName: EnvDataDir,
			resolve: func() (string, error) { return ResolveDataDir("relative/path", "") },
		},
		{
			name: "data config value", envName: EnvDataDir,
			resolve: func() (string, error) { return ResolveDataDir("", "relative/config") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envName, tt.envVal)
			dir, err := tt.resolve()
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(dir), "expected absolute path, got %s", dir)
		})
	}
}
