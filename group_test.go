package nativesvc

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(t *testing.T, n int, opts ...GroupOption) (*Group, []*systemctlSim) {
	t.Helper()
	var managers []*Manager
	var sims []*systemctlSim
	for i := 0; i < n; i++ {
		sim := newSystemctlSim()
		m, _ := newSystemdTestManager(t, fmt.Sprintf("grp%d", i), sim)
		managers = append(managers, m)
		sims = append(sims, sim)
	}
	return NewGroup(managers, opts...), sims
}

func TestGroupDefaults(t *testing.T) {
	g := NewGroup(nil)
	assert.Equal(t, 10, g.Concurrency)
	assert.Zero(t, g.Timeout)

	g = NewGroup(nil, WithConcurrency(0))
	assert.Equal(t, 1, g.Concurrency, "concurrency is clamped to at least one")

	require.NoError(t, g.Start(context.Background(), true), "an empty group is a no-op")
}

func TestGroupTimeoutFollowsMemberConfig(t *testing.T) {
	fast, _ := newSystemdTestManager(t, "fast", newSystemctlSim())
	slow, err := NewForPlatform(PlatformSystemd, Config{
		Name:           "slow",
		AppDir:         filepath.Join(t.TempDir(), "slow"),
		CommandTimeout: time.Minute,
		WaitTimeout:    2 * time.Minute,
	}, WithRunner(&fakeRunner{}), WithUnitDir(t.TempDir()))
	require.NoError(t, err)

	g := NewGroup([]*Manager{fast, slow})
	assert.Equal(t, DefaultCommandTimeout+200*time.Millisecond, g.timeoutFor(fast))
	assert.Equal(t, 3*time.Minute, g.timeoutFor(slow))

	g = NewGroup([]*Manager{fast, slow}, WithGroupTimeout(5*time.Second))
	assert.Equal(t, 5*time.Second, g.timeoutFor(fast))
	assert.Equal(t, 5*time.Second, g.timeoutFor(slow))
}

func TestGroupLifecycle(t *testing.T) {
	g, _ := newTestGroup(t, 4, WithConcurrency(2))
	ctx := context.Background()

	for _, m := range g.Managers() {
		require.NoError(t, m.Install(ctx, []string{"myapp"}, mustVersion(t, "1.0.0"), true))
	}

	require.NoError(t, g.Stop(ctx, true))
	statuses, err := g.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 4)
	for name, st := range statuses {
		assert.Equal(t, Status{Installed, Enabled, NotRunning}, st, name)
	}

	require.NoError(t, g.Start(ctx, true))
	require.NoError(t, g.Disable(ctx, true))
	require.NoError(t, g.Enable(ctx, true))

	statuses, err = g.Status(ctx)
	require.NoError(t, err)
	for name, st := range statuses {
		assert.Equal(t, Status{Installed, Enabled, NotRunning}, st, name)
	}

	require.NoError(t, g.Uninstall(ctx, true))
	statuses, err = g.Status(ctx)
	require.NoError(t, err)
	for name, st := range statuses {
		assert.Equal(t, Status{}, st, name)
	}
}

func TestGroupCollectsPerServiceErrors(t *testing.T) {
	g, _ := newTestGroup(t, 3)
	ctx := context.Background()

	// Only the first two services are installed
	for _, m := range g.Managers()[:2] {
		require.NoError(t, m.Install(ctx, []string{"myapp"}, mustVersion(t, "1.0.0"), true))
		require.NoError(t, m.Stop(ctx, true))
	}

	err := g.Start(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInstalled)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "grp2", opErr.Service)

	for _, m := range g.Managers()[:2] {
		st, err := m.Status(ctx)
		require.NoError(t, err)
		assert.True(t, st.IsRunning(), m.Name())
	}
}

func TestGroupStatusOmitsFailures(t *testing.T) {
	g, sims := newTestGroup(t, 2)
	ctx := context.Background()

	for _, m := range g.Managers() {
		require.NoError(t, m.Install(ctx, []string{"myapp"}, mustVersion(t, "1.0.0"), true))
	}
	sims[1].mu.Lock()
	sims[1].fail["is-enabled"] = true
	sims[1].mu.Unlock()

	statuses, err := g.Status(ctx)
	require.Error(t, err)
	assert.Equal(t, Status{Installed, Enabled, Running}, statuses["grp0"])
	assert.NotContains(t, statuses, "grp1")
}
