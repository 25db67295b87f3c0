//go:build linux

package nativesvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// requireUserSystemd skips unless a user systemd instance is reachable and
// NATIVESVC_INTEGRATION is set
func requireUserSystemd(t *testing.T) {
	t.Helper()
	RequireLinux(t)
	RequireNotShort(t)
	RequireTool(t, "systemctl")
	if os.Getenv("NATIVESVC_INTEGRATION") == "" {
		t.Skip("set NATIVESVC_INTEGRATION=1 to run against the user systemd instance")
	}
	res, err := NewExecRunner(5*time.Second).Run(context.Background(), "systemctl", "--user", "show-environment")
	if err != nil || res.ExitCode != 0 {
		t.Skip("user systemd instance not available")
	}
}

func TestIntegrationSystemdUser(t *testing.T) {
	requireUserSystemd(t)

	ctx := context.Background()
	name := "nativesvc-test-" + uuid.NewString()[:8]
	sleepPath, err := exec.LookPath("sleep")
	require.NoError(t, err)

	m, err := NewForPlatform(PlatformSystemd, Config{
		Name:   name,
		AppDir: filepath.Join(t.TempDir(), name),
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = m.Uninstall(context.Background(), false)
	})

	t.Run("Install", func(t *testing.T) {
		require.NoError(t, m.Install(ctx, []string{sleepPath, "3600"}, mustVersion(t, "0.1.0"), true))

		st, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Status{Installed, Enabled, Running}, st)

		v, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, "0.1.0", v.String())
	})

	t.Run("Stop", func(t *testing.T) {
		require.NoError(t, m.Stop(ctx, true))
		require.ErrorIs(t, m.Stop(ctx, true), ErrAlreadyStopped)

		st, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Status{Installed, Enabled, NotRunning}, st)
	})

	t.Run("Disable", func(t *testing.T) {
		require.NoError(t, m.Start(ctx, true))
		require.NoError(t, m.Disable(ctx, true))

		st, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Status{Installed, Disabled, NotRunning}, st)
	})

	t.Run("Wait", func(t *testing.T) {
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			_, err := m.Wait(wctx, Status.IsRunning)
			done <- err
		}()

		// The Manager is single-threaded per instance
		other, err := NewForPlatform(PlatformSystemd, m.Config(), WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)
		require.NoError(t, other.Start(ctx, true))
		require.NoError(t, <-done)
	})

	t.Run("Uninstall", func(t *testing.T) {
		require.NoError(t, m.Uninstall(ctx, true))

		st, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Status{}, st)
		assert.NoDirExists(t, m.AppDir())
	})
}
