package nativesvc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	abs := t.TempDir()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"minimal", Config{Name: "svc1"}, false},
		{"full", Config{Name: "my-svc_2.0", Vendor: "acme", AppDir: abs, PollInterval: time.Second}, false},
		{"empty name", Config{}, true},
		{"path separator", Config{Name: "a/b"}, true},
		{"backslash", Config{Name: `a\b`}, true},
		{"dot dot", Config{Name: "a..b"}, true},
		{"leading dot", Config{Name: ".hidden"}, true},
		{"space", Config{Name: "my svc"}, true},
		{"bad vendor", Config{Name: "svc", Vendor: "a b"}, true},
		{"relative app dir", Config{Name: "svc", AppDir: "rel/dir"}, true},
		{"negative timeout", Config{Name: "svc", WaitTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("LOCALAPPDATA", t.TempDir())

	cfg, err := Config{Name: "svc1"}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, DefaultVendor, cfg.Vendor)
	assert.Equal(t, DefaultCommandTimeout, cfg.CommandTimeout)
	assert.Equal(t, DefaultRestartThrottle, cfg.RestartThrottle)

	dataDir, err := DataDir(DefaultVendor)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "svc1"), cfg.AppDir)

	custom := t.TempDir()
	cfg, err = Config{Name: "svc1", AppDir: custom, Vendor: "acme"}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, custom, cfg.AppDir)
	assert.Equal(t, "acme", cfg.Vendor)
}

func TestLoadConfigFromFile(t *testing.T) {
	appDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "service.yaml")
	content := "name: agent\n" +
		"vendor: acme\n" +
		"app_dir: " + filepath.ToSlash(appDir) + "\n" +
		"poll_interval: 100ms\n" +
		"wait_timeout: 20s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "agent", cfg.Name)
	assert.Equal(t, "acme", cfg.Vendor)
	assert.Equal(t, filepath.Clean(appDir), filepath.Clean(cfg.AppDir))
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.WaitTimeout)
	assert.Equal(t, DefaultCommandTimeout, cfg.CommandTimeout)
	assert.Equal(t, DefaultRestartThrottle, cfg.RestartThrottle)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "from-file", "restart_throttle": "30s"}`), 0o600))

	t.Setenv("NATIVESVC_NAME", "from-env")
	t.Setenv("NATIVESVC_COMMAND_TIMEOUT", "5s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 30*time.Second, cfg.RestartThrottle)
}

func TestLoadConfigEnvironmentOnly(t *testing.T) {
	t.Setenv("NATIVESVC_NAME", "envsvc")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "envsvc", cfg.Name)
	assert.Equal(t, DefaultVendor, cfg.Vendor)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: \"bad name\"\n"), 0o600))
	_, err = LoadConfig(path)
	require.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestDataDirFor(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}
	home := func() (string, error) { return "/home/ada", nil }
	noHome := func() (string, error) { return "", errors.New("no home") }

	tests := []struct {
		name    string
		goos    string
		getenv  func(string) string
		home    func() (string, error)
		want    string
		wantErr bool
	}{
		{"windows", "windows", env(map[string]string{"LOCALAPPDATA": `C:\Users\ada\AppData\Local`}), noHome,
			filepath.Join(`C:\Users\ada\AppData\Local`, "acme"), false},
		{"windows without LOCALAPPDATA", "windows", env(nil), home, "", true},
		{"darwin", "darwin", env(nil), home, filepath.Join("/home/ada", "Library", "Application Support", "acme"), false},
		{"linux xdg", "linux", env(map[string]string{"XDG_DATA_HOME": "/data"}), noHome, filepath.Join("/data", "acme"), false},
		{"linux fallback", "linux", env(nil), home, filepath.Join("/home/ada", ".local", "share", "acme"), false},
		{"linux no home", "linux", env(nil), noHome, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dataDirFor(tt.goos, "acme", tt.getenv, tt.home)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
